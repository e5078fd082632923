package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/clock"
	"github.com/platinummonkey/tollgate/pkg/lock"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/retry"
)

// LockKey is the lease held for one worker tick
const LockKey = "settlement:worker"

// Config tunes the worker
type Config struct {
	BatchSize           int
	MaxAttempts         int
	StaleAfter          time.Duration
	LeaseTTL            time.Duration
	ContentionThreshold int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		MaxAttempts:         3,
		StaleAfter:          10 * time.Minute,
		LeaseTTL:            5 * time.Minute,
		ContentionThreshold: 5,
		RetryInitialDelay:   2 * time.Minute,
		RetryMaxDelay:       time.Hour,
	}
}

// TickReport summarizes one tick
type TickReport struct {
	Before   Counts `json:"before"`
	After    Counts `json:"after"`
	Requeued int    `json:"requeued"`
	Promoted int    `json:"promoted"`
	Retried  int    `json:"retried"`
	Claimed  int    `json:"claimed"`
	Paid     int    `json:"paid"`
	Failed   int    `json:"failed"`
	Retrying int    `json:"retrying"`
}

// Worker runs settlement ticks
type Worker struct {
	store   Store
	gateway Gateway
	locker  lock.Locker
	ledger  *billing.Ledger
	policy  *retry.Policy
	clock   clock.Clock
	config  Config
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewWorker creates a worker. Unset config fields take DefaultConfig values.
func NewWorker(store Store, gateway Gateway, locker lock.Locker, cfg Config, c clock.Clock, metrics *observability.Metrics, logger *observability.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.ContentionThreshold <= 0 {
		cfg.ContentionThreshold = def.ContentionThreshold
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = def.RetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if c == nil {
		c = clock.NewSystem(nil)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{
		store:   store,
		gateway: gateway,
		locker:  locker,
		ledger:  billing.NewLedger(c),
		policy: retry.NewPolicy(retry.Config{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		}),
		clock:   c,
		config:  cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Tick runs one settlement pass under the worker lease. It returns
// ErrLockHeld without touching any intent when another instance holds it.
// Database errors abort the tick; intents left PROCESSING are recovered by
// the stale requeue of a later tick.
func (w *Worker) Tick(ctx context.Context) (*TickReport, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.tick")
	defer span.End()

	lease, err := w.locker.Acquire(ctx, LockKey, w.config.LeaseTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		w.recordContention(ctx)
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithError(err).Warn("failed to release worker lease")
		}
	}()

	leaseCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	interval := w.config.LeaseTTL / 3
	if interval <= 0 {
		interval = w.config.LeaseTTL
	}
	lost := lock.KeepAlive(leaseCtx, lease, w.config.LeaseTTL, interval)

	report := &TickReport{}
	if report.Before, err = w.store.CountIntentsByState(ctx); err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}

	now := w.clock.Now()
	if report.Requeued, err = w.store.RequeueStale(ctx, now.Add(-w.config.StaleAfter), now); err != nil {
		return nil, fmt.Errorf("failed to requeue stale intents: %w", err)
	}
	if report.Requeued > 0 {
		w.logger.WithField("count", report.Requeued).Warn("requeued stale processing intents")
	}
	if report.Promoted, err = w.store.PromotePending(ctx, now); err != nil {
		return nil, fmt.Errorf("failed to promote pending intents: %w", err)
	}
	if report.Retried, err = w.store.PromoteDueRetries(ctx, now); err != nil {
		return nil, fmt.Errorf("failed to promote retry intents: %w", err)
	}

	claimed, err := w.store.ClaimQueued(ctx, w.config.BatchSize, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queued intents: %w", err)
	}
	report.Claimed = len(claimed)

	for _, intent := range claimed {
		select {
		case err := <-lost:
			if err != nil {
				return nil, fmt.Errorf("worker lease lost mid tick: %w", err)
			}
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := w.settle(ctx, intent)
		if err != nil {
			return nil, err
		}
		switch state {
		case StatePaid:
			report.Paid++
		case StateFailed:
			report.Failed++
		case StateAPIRetry:
			report.Retrying++
		}
	}

	if report.After, err = w.store.CountIntentsByState(ctx); err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	w.metrics.SetSettlementIntents(report.After.Labels())

	w.logger.WithFields(map[string]interface{}{
		"claimed":  report.Claimed,
		"paid":     report.Paid,
		"failed":   report.Failed,
		"retrying": report.Retrying,
	}).Info("settlement tick finished")
	return report, nil
}

// settle calls the gateway for one claimed intent and records the outcome.
// A state conflict means another path already moved the intent and is
// logged, not fatal.
func (w *Worker) settle(ctx context.Context, intent Intent) (State, error) {
	logger := w.logger.WithFields(map[string]interface{}{
		"intent_id":  intent.ID,
		"invoice_id": intent.InvoiceID,
		"attempt":    intent.Attempts + 1,
	})

	ctx, span := observability.StartSpan(ctx, "settlement.charge", trace.WithAttributes(
		attribute.String("settlement.intent_id", intent.ID),
		attribute.Int("settlement.attempt", intent.Attempts+1),
	))
	result := w.gateway.Charge(ctx, ChargeRequest{
		Reference: intent.Reference,
		AccountID: intent.AccountID,
		InvoiceID: intent.InvoiceID,
		Amount:    intent.Amount,
	})
	span.SetAttributes(attribute.String("settlement.outcome", string(result.Outcome)))
	span.End()
	w.metrics.RecordGatewayCall(string(result.Outcome))

	attempts := intent.Attempts + 1
	now := w.clock.Now()

	var (
		state State
		err   error
	)
	switch result.Outcome {
	case OutcomeSuccess:
		state = StatePaid
		err = w.store.CompletePaid(ctx, intent.ID, attempts, result.GatewayRef, now, func(ctx context.Context, tx billing.LedgerTx) error {
			_, err := w.ledger.ApplyPayment(ctx, tx, intent.InvoiceID, intent.Amount)
			return err
		})
	case OutcomeDeclined:
		state = StateFailed
		err = w.store.FailIntent(ctx, intent.ID, attempts, result.Message, now)
	default:
		if w.policy.CanRetry(attempts) {
			state = StateAPIRetry
			err = w.store.RetryIntent(ctx, intent.ID, attempts, result.Message, w.policy.NextTime(now, attempts), now)
		} else {
			state = StateFailed
			err = w.store.FailIntent(ctx, intent.ID, attempts, fmt.Sprintf("retry budget exhausted: %s", result.Message), now)
		}
	}

	if errors.Is(err, ErrStateConflict) {
		logger.WithError(err).Warn("intent moved by another path, outcome discarded")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to record %s for intent %s: %w", state, intent.ID, err)
	}

	logger.WithFields(map[string]interface{}{
		"state":   string(state),
		"outcome": string(result.Outcome),
	}).Info("intent settled")
	return state, nil
}

func (w *Worker) recordContention(ctx context.Context) {
	w.metrics.RecordLockContention(LockKey)
	n, err := w.locker.Contended(ctx, LockKey)
	if err != nil {
		w.logger.WithError(err).Warn("failed to record lease contention")
		return
	}
	if n >= int64(w.config.ContentionThreshold) {
		w.logger.WithField("consecutive", n).Warn("settlement worker lease contended repeatedly, check for a stuck instance")
	}
}
