package settlement_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/clock"
	"github.com/platinummonkey/tollgate/pkg/lock"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/settlement"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
)

var start = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu      sync.Mutex
	outcome settlement.Outcome
	calls   []settlement.ChargeRequest
}

func (g *fakeGateway) Charge(ctx context.Context, req settlement.ChargeRequest) settlement.ChargeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	res := settlement.ChargeResult{Outcome: g.outcome}
	switch g.outcome {
	case settlement.OutcomeSuccess:
		res.GatewayRef = "ch_" + req.Reference
	case settlement.OutcomeDeclined:
		res.Message = "card declined"
	default:
		res.Message = "gateway unreachable"
	}
	return res
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type harness struct {
	store   *memory.Store
	gateway *fakeGateway
	locker  *lock.MemoryLocker
	clock   *clock.Mock
	metrics *observability.Metrics
	logs    *bytes.Buffer
	worker  *settlement.Worker
}

func newHarness(t *testing.T, outcome settlement.Outcome) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		gateway: &fakeGateway{outcome: outcome},
		clock:   clock.NewMock(start),
		metrics: observability.NewMetrics(nil),
		logs:    &bytes.Buffer{},
	}
	h.locker = lock.NewMemoryLocker(h.clock)
	h.worker = settlement.NewWorker(h.store, h.gateway, h.locker, settlement.DefaultConfig(), h.clock, h.metrics,
		observability.NewLogger(observability.InfoLevel, h.logs))

	h.store.AddAccount(billing.Account{
		ID:         "ACC-1",
		BillingDay: 15,
		MonthlyFee: decimal.NewFromInt(999),
		Balance:    decimal.RequireFromString("1566.88"),
		Status:     billing.AccountStatusActive,
	})
	h.store.AddInvoice(billing.Invoice{
		ID:             "inv-1",
		InvoiceNumber:  "INV-202610-ACC-1",
		AccountID:      "ACC-1",
		Period:         billing.Period{Year: 2026, Month: time.October},
		TotalAmountDue: decimal.RequireFromString("1566.88"),
		Status:         billing.InvoiceStatusUnpaid,
	})
	require.NoError(t, h.store.CreateIntent(context.Background(), &settlement.Intent{
		ID:        "pi-1",
		AccountID: "ACC-1",
		InvoiceID: "inv-1",
		Amount:    decimal.RequireFromString("1566.88"),
		Reference: "pi-1",
		CreatedAt: start,
	}))
	return h
}

func (h *harness) intent(t *testing.T) *settlement.Intent {
	t.Helper()
	in, err := h.store.GetIntent(context.Background(), "pi-1")
	require.NoError(t, err)
	return in
}

func TestTickSettlesAndAppliesPayment(t *testing.T) {
	h := newHarness(t, settlement.OutcomeSuccess)

	report, err := h.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Before[settlement.StatePending])
	assert.Equal(t, 1, report.After[settlement.StatePaid])
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Paid)

	in := h.intent(t)
	assert.Equal(t, settlement.StatePaid, in.State)
	assert.Equal(t, 1, in.Attempts)
	assert.Equal(t, "ch_pi-1", in.GatewayRef)

	inv := h.store.Invoices("ACC-1")[0]
	assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	assert.True(t, inv.ReceivedPayment.Equal(decimal.RequireFromString("1566.88")))
	acct, _ := h.store.Account("ACC-1")
	assert.True(t, acct.Balance.IsZero(), acct.Balance.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SettlementIntents.WithLabelValues("PAID")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SettlementIntents.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SettlementGatewayCalls.WithLabelValues("success")))

	again, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Claimed)
	assert.Equal(t, 1, h.gateway.count())
}

func TestTickDeclineFailsImmediately(t *testing.T) {
	h := newHarness(t, settlement.OutcomeDeclined)

	report, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	in := h.intent(t)
	assert.Equal(t, settlement.StateFailed, in.State)
	assert.Equal(t, "card declined", in.LastError)
	acct, _ := h.store.Account("ACC-1")
	assert.True(t, acct.Balance.Equal(decimal.RequireFromString("1566.88")))
}

func TestTransientFailuresStopAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, settlement.OutcomeTransient)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := h.worker.Tick(ctx)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)
	}

	assert.Equal(t, 3, h.gateway.count())
	in := h.intent(t)
	assert.Equal(t, settlement.StateFailed, in.State)
	assert.Equal(t, 3, in.Attempts)
	assert.Contains(t, in.LastError, "retry budget exhausted")
}

func TestRetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t, settlement.OutcomeTransient)
	ctx := context.Background()

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	in := h.intent(t)
	assert.Equal(t, settlement.StateAPIRetry, in.State)
	require.NotNil(t, in.NextAttemptAt)
	assert.Equal(t, start.Add(2*time.Minute), *in.NextAttemptAt)

	h.clock.Advance(time.Minute)
	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	h.clock.Advance(time.Minute)
	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 2, h.gateway.count())
}

func TestTickRefusesWhileLeaseHeld(t *testing.T) {
	h := newHarness(t, settlement.OutcomeSuccess)
	ctx := context.Background()

	lease, err := h.locker.Acquire(ctx, settlement.LockKey, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		report, err := h.worker.Tick(ctx)
		assert.ErrorIs(t, err, settlement.ErrLockHeld)
		assert.Nil(t, report)
	}
	assert.Zero(t, h.gateway.count())
	assert.Equal(t, settlement.StatePending, h.intent(t).State)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.LockContentionTotal.WithLabelValues(settlement.LockKey)))
	assert.Contains(t, h.logs.String(), "contended repeatedly")

	require.NoError(t, lease.Release(ctx))
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.gateway.count())
}

func TestTickRecoversStaleProcessing(t *testing.T) {
	h := newHarness(t, settlement.OutcomeSuccess)
	ctx := context.Background()

	// a crashed worker left the intent claimed
	_, err := h.store.PromotePending(ctx, start)
	require.NoError(t, err)
	_, err = h.store.ClaimQueued(ctx, 10, start)
	require.NoError(t, err)

	report, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Zero(t, h.gateway.count())

	h.clock.Advance(11 * time.Minute)
	report, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Paid)
}

func TestConcurrentTicksChargeOnce(t *testing.T) {
	h := newHarness(t, settlement.OutcomeSuccess)
	ctx := context.Background()

	const ticks = 8
	type outcome struct {
		report *settlement.TickReport
		err    error
	}
	results := make(chan outcome, ticks)
	ready := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			report, err := h.worker.Tick(ctx)
			results <- outcome{report, err}
		}()
	}
	close(ready)
	wg.Wait()
	close(results)

	claimed := 0
	for r := range results {
		if errors.Is(r.err, settlement.ErrLockHeld) {
			continue
		}
		require.NoError(t, r.err)
		if r.report.Claimed > 0 {
			claimed++
			assert.Equal(t, 1, r.report.Paid)
		}
	}

	assert.Equal(t, 1, claimed, "exactly one tick settles the intent")
	assert.Equal(t, 1, h.gateway.count())
	assert.Equal(t, settlement.StatePaid, h.intent(t).State)
}
