package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

// Composition is the persisted result of one account's generation
type Composition struct {
	Account   Account         `json:"account"`
	Invoice   *Invoice        `json:"invoice"`
	Statement *Statement      `json:"statement"`
	Plan      *AllocationPlan `json:"plan"`
}

// Composer turns allocation plans into invoices and statements
type Composer struct {
	clock   clock.Clock
	dueDays int
	newID   func() string
}

// NewComposer creates a composer whose invoices fall due dueDays after the run date
func NewComposer(c clock.Clock, dueDays int) *Composer {
	if c == nil {
		c = clock.NewSystem(nil)
	}
	return &Composer{clock: c, dueDays: dueDays, newID: uuid.NewString}
}

// InvoiceNumber formats the human facing invoice number
func InvoiceNumber(period Period, accountID string) string {
	return fmt.Sprintf("INV-%s-%s", period.Compact(), accountID)
}

// Build assembles the invoice and statement for a plan without writing them
func (c *Composer) Build(snap *Snapshot, plan *AllocationPlan, runDate time.Time, runID string) (*Invoice, *Statement) {
	now := c.clock.Now()
	start, end := PeriodBounds(runDate)

	inv := &Invoice{
		ID:               c.newID(),
		InvoiceNumber:    InvoiceNumber(plan.Period, snap.Account.ID),
		AccountID:        snap.Account.ID,
		Period:           plan.Period,
		PeriodStart:      start,
		PeriodEnd:        end,
		DueDate:          DueDate(runDate, c.dueDays),
		PeriodCharges:    plan.PeriodCharges,
		DiscountApplied:  plan.DiscountApplied,
		RebateApplied:    plan.RebateApplied,
		StaggeredApplied: plan.StaggeredApplied,
		ServiceCharges:   plan.ServiceCharges,
		AdvanceApplied:   plan.AdvanceApplied,
		CarriedForward:   plan.CarriedForward,
		Subtotal:         plan.Subtotal,
		VAT:              plan.VAT,
		TotalAmountDue:   plan.TotalAmountDue,
		ReceivedPayment:  decimal.Zero,
		Status:           InvoiceStatusUnpaid,
		RunID:            runID,
		CreatedAt:        now,
	}
	if !inv.TotalAmountDue.IsPositive() {
		inv.Status = InvoiceStatusPaid
	}

	st := &Statement{
		ID:               c.newID(),
		InvoiceID:        inv.ID,
		AccountID:        snap.Account.ID,
		Period:           plan.Period,
		PreviousBalance:  plan.PreviousBalance,
		PaymentReceived:  plan.PaymentReceived,
		RemainingBalance: plan.CarriedForward,
		CurrentCharges:   plan.CurrentCharges(),
		TotalAmountDue:   plan.TotalAmountDue,
		CreatedAt:        now,
	}
	return inv, st
}

// Compose writes the invoice and statement and consumes every instrument in
// the plan through tx. Any error leaves the transaction for the caller to
// roll back, so either everything lands or nothing does.
func (c *Composer) Compose(ctx context.Context, tx Tx, snap *Snapshot, plan *AllocationPlan, runDate time.Time, runID string) (*Composition, error) {
	if err := plan.Verify(); err != nil {
		return nil, err
	}

	inv, st := c.Build(snap, plan, runDate, runID)

	if err := tx.InsertInvoice(ctx, inv); err != nil {
		if errors.Is(err, ErrAlreadyInvoiced) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert invoice %s: %w", inv.InvoiceNumber, err)
	}
	if err := tx.InsertStatement(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to insert statement for %s: %w", inv.InvoiceNumber, err)
	}

	for _, consumption := range plan.Consumptions {
		if err := tx.ConsumeInstrument(ctx, consumption, inv.ID, inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to consume %s %s: %w", consumption.Kind, consumption.InstrumentID, err)
		}
	}

	return &Composition{
		Account:   snap.Account,
		Invoice:   inv,
		Statement: st,
		Plan:      plan,
	}, nil
}
