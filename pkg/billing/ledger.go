package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

// Ledger is the only writer of account balances
type Ledger struct {
	clock clock.Clock
}

// NewLedger creates a ledger stamping balance updates with c
func NewLedger(c clock.Clock) *Ledger {
	if c == nil {
		c = clock.NewSystem(nil)
	}
	return &Ledger{clock: c}
}

// ApplyInvoice folds a newly composed invoice into the account balance:
//
//	new = previous + (total_amount_due - carried_forward) - received_payment
//
// The total already contains the carried balance, so only the newly billed
// part is added on top of what the account owed.
func (l *Ledger) ApplyInvoice(ctx context.Context, tx LedgerTx, account *Account, inv *Invoice) (decimal.Decimal, error) {
	balance := Round(account.Balance.
		Add(inv.TotalAmountDue.Sub(inv.CarriedForward)).
		Sub(inv.ReceivedPayment))

	now := l.clock.Now()
	if err := tx.UpdateBalance(ctx, account.ID, balance, now); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update balance for %s: %w", account.ID, err)
	}
	account.Balance = balance
	account.BalanceUpdatedAt = &now
	return balance, nil
}

// ApplyPayment records a settled payment against an invoice and reduces the
// account balance by the same amount. The caller owns the transaction.
func (l *Ledger) ApplyPayment(ctx context.Context, tx LedgerTx, invoiceID string, amount decimal.Decimal) (*Invoice, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount %s", ErrInvalidAmount, amount)
	}
	amount = Round(amount)

	inv, err := tx.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", invoiceID, err)
	}
	account, err := tx.LockAccount(ctx, inv.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", inv.AccountID, err)
	}

	inv.ReceivedPayment = Round(inv.ReceivedPayment.Add(amount))
	inv.Status = PaymentStatus(inv.TotalAmountDue, inv.ReceivedPayment)
	if err := tx.UpdateInvoicePayment(ctx, inv.ID, inv.ReceivedPayment, inv.Status); err != nil {
		return nil, fmt.Errorf("failed to record payment on %s: %w", inv.ID, err)
	}

	balance := Round(account.Balance.Sub(amount))
	if err := tx.UpdateBalance(ctx, account.ID, balance, l.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to update balance for %s: %w", account.ID, err)
	}
	return inv, nil
}

// PaymentStatus derives an invoice status from its total and received amount
func PaymentStatus(total, received decimal.Decimal) InvoiceStatus {
	switch {
	case !received.IsPositive():
		return InvoiceStatusUnpaid
	case received.GreaterThanOrEqual(total):
		return InvoiceStatusPaid
	default:
		return InvoiceStatusPartial
	}
}

// Recompute derives the balance from invoice history: the opening balance,
// plus the newly billed part of every invoice, less every payment received
// on any of them.
func Recompute(opening decimal.Decimal, invoices []Invoice) decimal.Decimal {
	balance := opening
	for _, inv := range invoices {
		balance = balance.Add(inv.TotalAmountDue.Sub(inv.CarriedForward)).Sub(inv.ReceivedPayment)
	}
	return Round(balance)
}
