package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.ReportStore = (*Store)(nil)
)

// ListDueAccounts returns active accounts whose billing day is in days, by ID
func (s *Store) ListDueAccounts(ctx context.Context, days []int) ([]billing.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int]bool, len(days))
	for _, d := range days {
		want[d] = true
	}
	var out []billing.Account
	for _, a := range sortedValues(s.state.accounts, func(a, b billing.Account) bool { return a.ID < b.ID }) {
		if a.Status == billing.AccountStatusActive && want[a.BillingDay] {
			out = append(out, a)
		}
	}
	return out, nil
}

// LoadSnapshot reads a snapshot without a transaction
func (s *Store) LoadSnapshot(ctx context.Context, accountID string, period billing.Period) (*billing.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.snapshot(accountID, period)
}

// WithAccountTx runs fn against a copy of the state and keeps the copy only
// when fn returns nil. The store mutex is held throughout.
func (s *Store) WithAccountTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// RecordRun appends a generation run
func (s *Store) RecordRun(ctx context.Context, run *billing.GenerationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.runs = append(s.state.runs, *run)
	return nil
}

// InvoiceSummary counts and totals invoices created in [from, to)
func (s *Store) InvoiceSummary(ctx context.Context, from, to time.Time) (billing.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := billing.Summary{Total: decimal.Zero}
	for _, inv := range s.state.invoices {
		if within(inv.CreatedAt, from, to) {
			sum.Count++
			sum.Total = sum.Total.Add(inv.TotalAmountDue)
		}
	}
	return sum, nil
}

// StatementSummary counts and totals statements created in [from, to)
func (s *Store) StatementSummary(ctx context.Context, from, to time.Time) (billing.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := billing.Summary{Total: decimal.Zero}
	for _, st := range s.state.statements {
		if within(st.CreatedAt, from, to) {
			sum.Count++
			sum.Total = sum.Total.Add(st.TotalAmountDue)
		}
	}
	return sum, nil
}

// InvoicedAccounts reports which of accountIDs have an invoice for period
func (s *Store) InvoicedAccounts(ctx context.Context, period billing.Period, accountIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		_, ok := s.state.invoiceFor(id, period)
		out[id] = ok
	}
	return out, nil
}

// RecentRuns returns runs started at or after since, newest first
func (s *Store) RecentRuns(ctx context.Context, since time.Time) ([]billing.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.GenerationRun
	for i := len(s.state.runs) - 1; i >= 0; i-- {
		if !s.state.runs[i].StartedAt.Before(since) {
			out = append(out, s.state.runs[i])
		}
	}
	return out, nil
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (s *state) invoiceFor(accountID string, period billing.Period) (billing.Invoice, bool) {
	for _, inv := range s.invoices {
		if inv.AccountID == accountID && inv.Period == period {
			return inv, true
		}
	}
	return billing.Invoice{}, false
}

// snapshot assembles the allocator input. The previous invoice is the latest
// one before period and the previous statement is the one issued with it.
func (s *state) snapshot(accountID string, period billing.Period) (*billing.Snapshot, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, notFound(billing.ErrNotFound, "account", accountID)
	}

	snap := &billing.Snapshot{Account: account, Period: period}
	_, snap.AlreadyInvoiced = s.invoiceFor(accountID, period)

	var prev *billing.Invoice
	for _, inv := range s.invoices {
		if inv.AccountID != accountID || !period.After(inv.Period) {
			continue
		}
		if prev == nil || inv.Period.After(prev.Period) {
			inv := inv
			prev = &inv
		}
	}
	if prev != nil {
		snap.PreviousInvoice = prev
		for _, st := range s.statements {
			if st.InvoiceID == prev.ID {
				st := st
				snap.PreviousStatement = &st
				break
			}
		}
	}

	for _, d := range sortedValues(s.discounts, func(a, b billing.Discount) bool { return olderFirst(a.Instrument, b.Instrument) }) {
		if d.AccountID == accountID {
			snap.Discounts = append(snap.Discounts, d)
		}
	}
	for _, r := range sortedValues(s.rebates, func(a, b billing.RebateUsage) bool { return olderFirst(a.Instrument, b.Instrument) }) {
		if r.AccountID == accountID {
			snap.Rebates = append(snap.Rebates, r)
		}
	}
	for _, st := range sortedValues(s.staggered, func(a, b billing.StaggeredInstallment) bool { return olderFirst(a.Instrument, b.Instrument) }) {
		if st.AccountID == accountID {
			snap.Staggered = append(snap.Staggered, st)
		}
	}
	for _, sc := range sortedValues(s.serviceCharges, func(a, b billing.ServiceCharge) bool { return olderFirst(a.Instrument, b.Instrument) }) {
		if sc.AccountID == accountID {
			snap.ServiceCharges = append(snap.ServiceCharges, sc)
		}
	}
	for _, a := range sortedValues(s.advances, func(a, b billing.AdvancePayment) bool { return olderFirst(a.Instrument, b.Instrument) }) {
		if a.AccountID == accountID {
			snap.Advances = append(snap.Advances, a)
		}
	}
	return snap, nil
}

// tx is a billing transaction over a working copy of the state
type tx struct {
	state *state
}

var _ billing.Tx = (*tx)(nil)

func (t *tx) LockAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return nil, notFound(billing.ErrNotFound, "account", accountID)
	}
	return &a, nil
}

func (t *tx) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, ok := t.state.invoices[invoiceID]
	if !ok {
		return nil, notFound(billing.ErrNotFound, "invoice", invoiceID)
	}
	return &inv, nil
}

func (t *tx) UpdateInvoicePayment(ctx context.Context, invoiceID string, received decimal.Decimal, status billing.InvoiceStatus) error {
	inv, ok := t.state.invoices[invoiceID]
	if !ok {
		return notFound(billing.ErrNotFound, "invoice", invoiceID)
	}
	inv.ReceivedPayment = received
	inv.Status = status
	t.state.invoices[invoiceID] = inv
	return nil
}

func (t *tx) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return notFound(billing.ErrNotFound, "account", accountID)
	}
	a.Balance = balance
	a.BalanceUpdatedAt = &at
	t.state.accounts[accountID] = a
	return nil
}

func (t *tx) LoadSnapshot(ctx context.Context, accountID string, period billing.Period) (*billing.Snapshot, error) {
	return t.state.snapshot(accountID, period)
}

func (t *tx) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if _, ok := t.state.invoiceFor(inv.AccountID, inv.Period); ok {
		return billing.ErrAlreadyInvoiced
	}
	if _, ok := t.state.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	t.state.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) InsertStatement(ctx context.Context, st *billing.Statement) error {
	if _, ok := t.state.statements[st.ID]; ok {
		return fmt.Errorf("statement %s already exists", st.ID)
	}
	t.state.statements[st.ID] = *st
	return nil
}

// ConsumeInstrument flips an Unused instrument to Used. Missing and already
// used rows both report ErrInstrumentConsumed, matching a zero-row update.
func (t *tx) ConsumeInstrument(ctx context.Context, c billing.Consumption, invoiceID string, at time.Time) error {
	consume := func(inst *billing.Instrument) error {
		if !inst.Unused() {
			return billing.ErrInstrumentConsumed
		}
		inst.Status = billing.InstrumentUsed
		inst.InvoiceID = invoiceID
		return nil
	}

	switch c.Kind {
	case billing.InstrumentDiscount:
		v, ok := t.state.discounts[c.InstrumentID]
		if !ok {
			return billing.ErrInstrumentConsumed
		}
		if err := consume(&v.Instrument); err != nil {
			return err
		}
		t.state.discounts[v.ID] = v
	case billing.InstrumentRebate:
		v, ok := t.state.rebates[c.InstrumentID]
		if !ok {
			return billing.ErrInstrumentConsumed
		}
		if err := consume(&v.Instrument); err != nil {
			return err
		}
		t.state.rebates[v.ID] = v
	case billing.InstrumentStaggered:
		v, ok := t.state.staggered[c.InstrumentID]
		if !ok {
			return billing.ErrInstrumentConsumed
		}
		if err := consume(&v.Instrument); err != nil {
			return err
		}
		t.state.staggered[v.ID] = v
	case billing.InstrumentServiceCharge:
		v, ok := t.state.serviceCharges[c.InstrumentID]
		if !ok {
			return billing.ErrInstrumentConsumed
		}
		if err := consume(&v.Instrument); err != nil {
			return err
		}
		t.state.serviceCharges[v.ID] = v
	case billing.InstrumentAdvance:
		v, ok := t.state.advances[c.InstrumentID]
		if !ok {
			return billing.ErrInstrumentConsumed
		}
		if err := consume(&v.Instrument); err != nil {
			return err
		}
		v.AppliedAmount = c.Applied
		t.state.advances[v.ID] = v
	default:
		return fmt.Errorf("unknown instrument kind %q", c.Kind)
	}
	return nil
}
