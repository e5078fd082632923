// Package billing implements the recurring billing cycle: selecting due
// accounts, allocating financial instruments in a fixed precedence,
// composing invoices and statements, and keeping account balances.
//
// # Allocation
//
// Allocate is a pure function from a Snapshot to an AllocationPlan:
//
//	plan, err := billing.Allocate(snapshot, billing.DefaultOptions())
//	if err := plan.Verify(); err != nil { ... }
//
// The plan lists every signed step with a running total and every
// instrument it consumes. VAT is charged on the whole positive subtotal,
// carried balance included.
//
// # Generation
//
// Scheduler.Run selects accounts due on a date and, in generate mode,
// composes each one inside its own account transaction:
//
//	lock account -> load snapshot -> Allocate -> Compose -> Ledger.ApplyInvoice
//
// An account that already has an invoice for the period is skipped, and a
// failing account is rolled back and reported without stopping the batch.
// Documents are published after commit and their failures never undo an
// invoice.
//
// # Storage
//
// Store and Tx are implemented by pkg/storage/postgres and
// pkg/storage/memory. Instrument consumption is a guarded Unused to Used
// transition, so a concurrent or repeated run cannot apply an instrument twice.
package billing
