package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

var (
	october = billing.Period{Year: 2026, Month: time.October}
	t0      = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
)

func seedAccount(s *Store) {
	s.AddAccount(billing.Account{
		ID:         "ACC-1",
		BillingDay: 15,
		MonthlyFee: decimal.NewFromInt(999),
		Balance:    decimal.NewFromInt(500),
		Status:     billing.AccountStatusActive,
	})
}

func TestWithAccountTxRollsBackOnError(t *testing.T) {
	s := New()
	seedAccount(s)
	s.AddDiscount(billing.Discount{Instrument: billing.Instrument{
		ID: "D-1", AccountID: "ACC-1", Amount: decimal.NewFromInt(100), Status: billing.InstrumentUnused,
	}})

	boom := errors.New("boom")
	err := s.WithAccountTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		require.NoError(t, tx.UpdateBalance(ctx, "ACC-1", decimal.NewFromInt(1), t0))
		require.NoError(t, tx.ConsumeInstrument(ctx, billing.Consumption{Kind: billing.InstrumentDiscount, InstrumentID: "D-1"}, "INV", t0))
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, _ := s.Account("ACC-1")
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(500)))
	d, _ := s.Instrument(billing.InstrumentDiscount, "D-1")
	assert.Equal(t, billing.InstrumentUnused, d.Status)
}

func TestConsumeInstrumentIsOneWay(t *testing.T) {
	s := New()
	seedAccount(s)
	s.AddAdvance(billing.AdvancePayment{
		Instrument: billing.Instrument{ID: "A-1", AccountID: "ACC-1", Amount: decimal.NewFromInt(50), Status: billing.InstrumentUnused},
		Period:     october,
	})
	c := billing.Consumption{Kind: billing.InstrumentAdvance, InstrumentID: "A-1", Applied: decimal.NewFromInt(40)}

	err := s.WithAccountTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.ConsumeInstrument(ctx, c, "INV-1", t0)
	})
	require.NoError(t, err)

	err = s.WithAccountTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.ConsumeInstrument(ctx, c, "INV-2", t0)
	})
	assert.ErrorIs(t, err, billing.ErrInstrumentConsumed)

	adv, _ := s.Advance("A-1")
	assert.Equal(t, billing.InstrumentUsed, adv.Status)
	assert.Equal(t, "INV-1", adv.InvoiceID)
	assert.True(t, adv.AppliedAmount.Equal(decimal.NewFromInt(40)))
}

func TestInsertInvoiceUniquePerPeriod(t *testing.T) {
	s := New()
	seedAccount(s)
	insert := func(id string) error {
		return s.WithAccountTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
			return tx.InsertInvoice(ctx, &billing.Invoice{ID: id, AccountID: "ACC-1", Period: october})
		})
	}
	require.NoError(t, insert("I-1"))
	assert.ErrorIs(t, insert("I-2"), billing.ErrAlreadyInvoiced)
	assert.Len(t, s.Invoices("ACC-1"), 1)
}

func TestSnapshotPicksLatestPriorInvoice(t *testing.T) {
	s := New()
	seedAccount(s)
	s.AddInvoice(billing.Invoice{ID: "I-AUG", AccountID: "ACC-1", Period: billing.Period{Year: 2026, Month: time.August}})
	s.AddInvoice(billing.Invoice{ID: "I-SEP", AccountID: "ACC-1", Period: billing.Period{Year: 2026, Month: time.September}, ReceivedPayment: decimal.NewFromInt(300)})
	s.AddStatement(billing.Statement{ID: "S-SEP", InvoiceID: "I-SEP", AccountID: "ACC-1", TotalAmountDue: decimal.NewFromInt(800)})

	snap, err := s.LoadSnapshot(context.Background(), "ACC-1", october)
	require.NoError(t, err)
	assert.False(t, snap.AlreadyInvoiced)
	require.NotNil(t, snap.PreviousInvoice)
	assert.Equal(t, "I-SEP", snap.PreviousInvoice.ID)
	require.NotNil(t, snap.PreviousStatement)
	assert.Equal(t, "S-SEP", snap.PreviousStatement.ID)

	_, err = s.LoadSnapshot(context.Background(), "missing", october)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestListDueAccountsFiltersStatus(t *testing.T) {
	s := New()
	seedAccount(s)
	s.AddAccount(billing.Account{ID: "ACC-2", BillingDay: 15, Status: billing.AccountStatusSuspended})
	s.AddAccount(billing.Account{ID: "ACC-3", BillingDay: 0, Status: billing.AccountStatusActive})

	due, err := s.ListDueAccounts(context.Background(), []int{15})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ACC-1", due[0].ID)
}

func TestDispatchDeliverableAndStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	later := t0.Add(time.Hour)
	require.NoError(t, s.Enqueue(ctx, []dispatch.Entry{
		{ID: "e1", Status: dispatch.StatusPending, CreatedAt: t0},
		{ID: "e2", Status: dispatch.StatusFailed, Attempts: 1, NextAttemptAt: &later, CreatedAt: t0},
		{ID: "e3", Status: dispatch.StatusFailed, Attempts: 3, CreatedAt: t0},
		{ID: "e4", Status: dispatch.StatusSent, CreatedAt: t0},
	}))

	due, err := s.ListDeliverable(ctx, t0, 3, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "e1", due[0].ID)

	due, err = s.ListDeliverable(ctx, later, 3, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	st, err := s.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Stats{Pending: 1, Sent: 1, Failed: 2, Retryable: 1, Exhausted: 1}, st)

	assert.ErrorIs(t, s.Reset(ctx, "e4", later), dispatch.ErrNotFailed, "sent entries are never re-sent")
	assert.ErrorIs(t, s.Reset(ctx, "e1", later), dispatch.ErrNotFailed)
	require.NoError(t, s.Reset(ctx, "e3", later))

	n, err := s.ResetFailed(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, s.Reset(ctx, "nope", later), dispatch.ErrNotFound)
}

func TestClaimQueuedNeverHandsOutTwice(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, s.CreateIntent(ctx, &settlement.Intent{ID: id, Amount: decimal.NewFromInt(10), CreatedAt: t0}))
	}
	n, err := s.PromotePending(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := s.ClaimQueued(ctx, 2, t0)
	require.NoError(t, err)
	second, err := s.ClaimQueued(ctx, 2, t0)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[1].ID, second[0].ID)

	counts, err := s.CountIntentsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[settlement.StateProcessing])
}

func TestGuardedIntentTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateIntent(ctx, &settlement.Intent{ID: "p1", CreatedAt: t0}))

	err := s.FailIntent(ctx, "p1", 1, "declined", t0)
	assert.ErrorIs(t, err, settlement.ErrStateConflict)
	assert.ErrorIs(t, s.RetryIntent(ctx, "missing", 1, "x", t0, t0), settlement.ErrNotFound)

	_, _ = s.PromotePending(ctx, t0)
	_, _ = s.ClaimQueued(ctx, 1, t0)

	n, err := s.RequeueStale(ctx, t0.Add(-time.Minute), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RequeueStale(ctx, t0.Add(time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	in, err := s.GetIntent(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateQueued, in.State)
	assert.Nil(t, in.ProcessingSince)
}

func TestCompletePaidRollsBackOnLedgerError(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateIntent(ctx, &settlement.Intent{ID: "p1", InvoiceID: "missing", CreatedAt: t0}))
	_, _ = s.PromotePending(ctx, t0)
	_, _ = s.ClaimQueued(ctx, 1, t0)

	ledger := billing.NewLedger(nil)
	err := s.CompletePaid(ctx, "p1", 1, "gw-1", t0, func(ctx context.Context, tx billing.LedgerTx) error {
		_, err := ledger.ApplyPayment(ctx, tx, "missing", decimal.NewFromInt(10))
		return err
	})
	assert.ErrorIs(t, err, billing.ErrNotFound)

	in, err := s.GetIntent(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateProcessing, in.State)
}
