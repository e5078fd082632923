package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/clock"
	"github.com/platinummonkey/tollgate/pkg/lock"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// SchedulerLockKey is the lease held for the duration of a generate run
const SchedulerLockKey = "billing:scheduler"

// Account outcomes reported per run and as metric labels
const (
	OutcomeGenerated = "generated"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomePreviewed = "previewed"
)

// Publisher delivers the documents of a committed composition
type Publisher interface {
	Publish(ctx context.Context, comp *Composition) error
}

// SchedulerConfig tunes the scheduler
type SchedulerConfig struct {
	VATRate          decimal.Decimal
	DueDays          int
	ClampShortMonths bool
	LeaseTTL         time.Duration
	Location         *time.Location
}

// RunRequest describes one scheduler invocation
type RunRequest struct {
	// Date is the run date; zero means today in the configured location.
	Date time.Time
	// DayOverride replaces the day of month used for selection; 0 selects
	// month-end accounts. The period stays the month of Date.
	DayOverride *int
	Operator    string
	Mode        RunMode
}

// AccountResult is the outcome for one selected account
type AccountResult struct {
	AccountID     string          `json:"account_id"`
	Outcome       string          `json:"outcome"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Plan          *AllocationPlan `json:"plan,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// RunReport summarizes a run
type RunReport struct {
	Run     GenerationRun   `json:"run"`
	Period  Period          `json:"period"`
	Days    []int           `json:"days"`
	Results []AccountResult `json:"results"`
}

// Scheduler selects due accounts and generates their invoices
type Scheduler struct {
	store     Store
	locker    lock.Locker
	publisher Publisher
	composer  *Composer
	ledger    *Ledger
	clock     clock.Clock
	metrics   *observability.Metrics
	logger    *observability.Logger
	config    SchedulerConfig
}

// SchedulerOption customizes a Scheduler
type SchedulerOption func(*Scheduler)

// WithLocker sets the run lease provider. Without one, runs are not serialized.
func WithLocker(l lock.Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

// WithPublisher sets the document publisher called after each commit
func WithPublisher(p Publisher) SchedulerOption {
	return func(s *Scheduler) { s.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock sets the time source
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a scheduler over store
func NewScheduler(store Store, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	s := &Scheduler{
		store:  store,
		config: cfg,
		clock:  clock.NewSystem(cfg.Location),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.composer = NewComposer(s.clock, cfg.DueDays)
	s.ledger = NewLedger(s.clock)
	return s
}

// Run executes one scheduler pass. Generate runs hold the scheduler lease
// and return ErrRunInProgress when another run holds it.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if req.Mode == "" {
		req.Mode = RunModeGenerate
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid run mode %q", req.Mode)
	}
	if req.Mode == RunModeGenerate && req.Operator == "" {
		return nil, ErrOperatorRequired
	}
	if req.DayOverride != nil && (*req.DayOverride < 0 || *req.DayOverride > 31) {
		return nil, ErrInvalidDay
	}

	date := req.Date
	if date.IsZero() {
		date = s.clock.Now()
	}
	date = BillingDate(date, s.config.Location)

	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	ctx = observability.WithOperator(ctx, req.Operator)
	ctx = observability.WithLogger(ctx, s.logger)

	ctx, span := observability.StartSpan(ctx, "billing.run", trace.WithAttributes(
		attribute.String("billing.mode", string(req.Mode)),
		attribute.String("billing.date", date.Format("2006-01-02")),
	))
	defer span.End()

	if req.Mode == RunModeGenerate && s.locker != nil {
		lease, err := s.locker.Acquire(ctx, SchedulerLockKey, s.config.LeaseTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.metrics.RecordLockContention(SchedulerLockKey)
			return nil, ErrRunInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("failed to acquire scheduler lease: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				observability.FromContext(ctx).WithError(err).Warn("failed to release scheduler lease")
			}
		}()
	}

	report := &RunReport{
		Period: PeriodOf(date),
		Days:   DueBillingDays(date, req.DayOverride, s.config.ClampShortMonths),
		Run: GenerationRun{
			ID:        runID,
			RunDate:   date,
			Operator:  req.Operator,
			Mode:      req.Mode,
			StartedAt: s.clock.Now(),
		},
	}
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"period": report.Period.String(),
		"mode":   string(req.Mode),
	})

	accounts, err := s.store.ListDueAccounts(ctx, report.Days)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due accounts")
		return nil, fmt.Errorf("failed to list due accounts: %w", err)
	}
	report.Run.Selected = len(accounts)
	logger.Infof("selected %d due accounts for billing days %v", len(accounts), report.Days)

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		var result AccountResult
		if req.Mode == RunModePreview {
			result = s.previewAccount(ctx, account, report.Period)
		} else {
			result = s.generateAccount(ctx, account, report.Period, date, runID)
		}
		report.Results = append(report.Results, result)

		switch result.Outcome {
		case OutcomeGenerated:
			report.Run.Generated++
		case OutcomeSkipped:
			report.Run.Skipped++
		case OutcomeFailed:
			report.Run.Failed++
		}
		s.metrics.RecordBillingAccount(result.Outcome)
	}

	report.Run.FinishedAt = s.clock.Now()
	s.metrics.RecordBillingRun(string(req.Mode), report.Run.FinishedAt.Sub(report.Run.StartedAt))

	if req.Mode == RunModeGenerate {
		if err := s.store.RecordRun(context.WithoutCancel(ctx), &report.Run); err != nil {
			logger.WithError(err).Error("failed to record generation run")
		}
	}

	logger.WithFields(map[string]interface{}{
		"selected":  report.Run.Selected,
		"generated": report.Run.Generated,
		"skipped":   report.Run.Skipped,
		"failed":    report.Run.Failed,
	}).Info("billing run finished")

	return report, ctx.Err()
}

func (s *Scheduler) previewAccount(ctx context.Context, account Account, period Period) AccountResult {
	result := AccountResult{AccountID: account.ID, Outcome: OutcomePreviewed}

	snap, err := s.store.LoadSnapshot(ctx, account.ID, period)
	if err != nil {
		result.Outcome, result.Error = OutcomeFailed, err.Error()
		return result
	}
	plan, err := Allocate(snap, Options{VATRate: s.config.VATRate})
	if errors.Is(err, ErrAlreadyInvoiced) {
		result.Outcome = OutcomeSkipped
		return result
	}
	if err != nil {
		result.Outcome, result.Error = OutcomeFailed, err.Error()
		return result
	}
	result.Plan = plan
	result.Total = plan.TotalAmountDue
	result.InvoiceNumber = InvoiceNumber(period, account.ID)
	return result
}

// generateAccount is the per-account isolation boundary: errors and panics
// are converted into a failed result and the transaction is rolled back.
func (s *Scheduler) generateAccount(ctx context.Context, account Account, period Period, date time.Time, runID string) (result AccountResult) {
	result = AccountResult{AccountID: account.ID}
	logger := observability.FromContext(ctx).WithField("account_id", account.ID)

	ctx, span := observability.StartSpan(ctx, "billing.generate_account",
		trace.WithAttributes(attribute.String("billing.account_id", account.ID)))
	defer span.End()

	var comp *Composition
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", fmt.Sprint(r)).Error("PANIC recovered during account generation")
				err = observability.MustRecover(r)
			}
		}()
		return s.store.WithAccountTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockAccount(ctx, account.ID); err != nil {
				return fmt.Errorf("failed to lock account: %w", err)
			}
			snap, err := tx.LoadSnapshot(ctx, account.ID, period)
			if err != nil {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}
			plan, err := Allocate(snap, Options{VATRate: s.config.VATRate})
			if err != nil {
				return err
			}
			comp, err = s.composer.Compose(ctx, tx, snap, plan, date, runID)
			if err != nil {
				return err
			}
			if _, err := s.ledger.ApplyInvoice(ctx, tx, &comp.Account, comp.Invoice); err != nil {
				return err
			}
			return nil
		})
	}()

	switch {
	case errors.Is(err, ErrAlreadyInvoiced):
		result.Outcome = OutcomeSkipped
		logger.Debug("account already invoiced for period")
		return result
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		result.Outcome, result.Error = OutcomeFailed, err.Error()
		logger.WithError(err).Error("failed to generate invoice")
		return result
	}

	result.Outcome = OutcomeGenerated
	result.InvoiceNumber = comp.Invoice.InvoiceNumber
	result.Total = comp.Invoice.TotalAmountDue
	result.Plan = comp.Plan
	s.metrics.RecordInvoiceAmount(comp.Invoice.TotalAmountDue.InexactFloat64())
	if !comp.Plan.AdvanceUnapplied.IsZero() {
		logger.WithField("unapplied", comp.Plan.AdvanceUnapplied.String()).Warn("advance payment exceeded amount due")
	}
	logger.WithFields(map[string]interface{}{
		"invoice_number": comp.Invoice.InvoiceNumber,
		"total":          comp.Invoice.TotalAmountDue.String(),
	}).Info("invoice generated")

	if s.publisher != nil {
		if err := s.publish(ctx, comp); err != nil {
			logger.WithError(err).Warn("failed to publish invoice documents")
		}
	}
	return result
}

func (s *Scheduler) publish(ctx context.Context, comp *Composition) (err error) {
	defer func() {
		if err == nil {
			err = observability.MustRecover(recover())
		}
	}()
	return s.publisher.Publish(ctx, comp)
}
