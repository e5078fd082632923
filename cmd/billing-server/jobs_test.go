package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

type fakeDispatcher struct {
	calls int
	err   error
}

func (f *fakeDispatcher) RunOnce(ctx context.Context) (dispatch.Result, error) {
	f.calls++
	return dispatch.Result{Attempted: 1, Sent: 1}, f.err
}

type fakeRunner struct {
	got billing.RunRequest
	err error
}

func (f *fakeRunner) Run(ctx context.Context, req billing.RunRequest) (*billing.RunReport, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &billing.RunReport{}, nil
}

type fakeTicker struct {
	err error
}

func (f *fakeTicker) Tick(ctx context.Context) (*settlement.TickReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.TickReport{Paid: 1}, nil
}

func newJobs(logs *bytes.Buffer) *jobs {
	return &jobs{
		ctx:        context.Background(),
		dispatcher: &fakeDispatcher{},
		scheduler:  &fakeRunner{},
		settlement: &fakeTicker{},
		timeout:    time.Minute,
		logger:     observability.NewLogger(observability.DebugLevel, logs),
	}
}

func TestSchedule_DispatchOnlyByDefault(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)
	cfg := config.Default()
	cfg.Dispatch.Schedule = ""

	c := cron.New()
	names, err := j.schedule(c, cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"dispatch"}, names)
	assert.Len(t, c.Entries(), 1)
	assert.Contains(t, logs.String(), "@every 1m")
}

func TestSchedule_AllJobs(t *testing.T) {
	j := newJobs(&bytes.Buffer{})
	cfg := config.Default()
	cfg.Billing.Schedule = "0 6 * * *"
	cfg.Settlement.Schedule = "*/2 * * * *"

	c := cron.New()
	names, err := j.schedule(c, cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"dispatch", "billing", "settlement"}, names)
	assert.Len(t, c.Entries(), 3)
}

func TestSchedule_InvalidSpec(t *testing.T) {
	j := newJobs(&bytes.Buffer{})
	cfg := config.Default()
	cfg.Settlement.Schedule = "every two minutes"

	_, err := j.schedule(cron.New(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "settlement")
}

func TestBill_UsesCronOperator(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)
	r := &fakeRunner{}
	j.scheduler = r

	j.guard("billing job", j.bill)()

	assert.Equal(t, cronOperator, r.got.Operator)
	assert.Equal(t, billing.RunModeGenerate, r.got.Mode)
	assert.Contains(t, logs.String(), "scheduled billing run done")
}

func TestBill_LeaseHeldIsNotAnError(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)
	j.scheduler = &fakeRunner{err: billing.ErrRunInProgress}

	j.bill(context.Background())

	assert.Contains(t, logs.String(), "another run holds the lease")
	assert.NotContains(t, logs.String(), `"level":"error"`)
}

func TestSettle_Outcomes(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)

	j.settle(context.Background())
	assert.Contains(t, logs.String(), "settlement tick done")

	j.settlement = &fakeTicker{err: settlement.ErrLockHeld}
	j.settle(context.Background())
	assert.Contains(t, logs.String(), "another instance is running")

	j.settlement = &fakeTicker{err: errors.New("pq: connection refused")}
	j.settle(context.Background())
	assert.Contains(t, logs.String(), "settlement tick failed")
}

func TestDeliver_LogsFailure(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)
	d := &fakeDispatcher{err: errors.New("relay down")}
	j.dispatcher = d

	j.deliver(context.Background())

	assert.Equal(t, 1, d.calls)
	assert.Contains(t, logs.String(), "dispatch pass failed")
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, req billing.RunRequest) (*billing.RunReport, error) {
	panic("nil account")
}

func TestGuard_RecoversPanics(t *testing.T) {
	var logs bytes.Buffer
	j := newJobs(&logs)
	j.scheduler = panickingRunner{}

	assert.NotPanics(t, j.guard("billing job", j.bill))
	assert.Contains(t, logs.String(), "nil account")
}

func TestGuard_AppliesTimeout(t *testing.T) {
	j := newJobs(&bytes.Buffer{})
	j.timeout = 50 * time.Millisecond

	var deadline time.Time
	j.guard("probe", func(ctx context.Context) {
		deadline, _ = ctx.Deadline()
	})()

	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)
}
