package dispatch

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/clock"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/retry"
)

// WorkerConfig tunes a delivery pass
type WorkerConfig struct {
	From        string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
}

// Result counts the outcome of one pass
type Result struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Worker delivers deliverable entries
type Worker struct {
	store       Store
	mailer      Mailer
	attachments AttachmentSource
	policy      *retry.Policy
	clock       clock.Clock
	config      WorkerConfig
	metrics     *observability.Metrics
	logger      *observability.Logger
}

// NewWorker creates a worker. attachments may be nil to send bodies only.
func NewWorker(store Store, mailer Mailer, attachments AttachmentSource, policy *retry.Policy, cfg WorkerConfig, c clock.Clock, metrics *observability.Metrics, logger *observability.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultConfig())
	}
	if c == nil {
		c = clock.NewSystem(nil)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{
		store:       store,
		mailer:      mailer,
		attachments: attachments,
		policy:      policy,
		clock:       c,
		config:      cfg,
		metrics:     metrics,
		logger:      logger,
	}
}

// RunOnce delivers one page of deliverable entries. A store error while
// listing aborts the pass; per-entry failures are recorded on the entry.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.run_once")
	defer span.End()

	entries, err := w.store.ListDeliverable(ctx, w.clock.Now(), w.policy.MaxAttempts(), w.config.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list deliverable entries: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var sent, failed atomic.Int32
	errs := async.Batch(ctx, entries, w.config.Concurrency, w.config.Timeout, func(ctx context.Context, e Entry) error {
		ok, err := w.deliver(ctx, e)
		if ok {
			sent.Add(1)
		} else {
			failed.Add(1)
		}
		return err
	})
	for _, err := range errs {
		w.logger.WithError(err).Error("failed to record dispatch outcome")
	}

	result := Result{Attempted: len(entries), Sent: int(sent.Load()), Failed: int(failed.Load())}
	w.logger.WithFields(map[string]interface{}{
		"attempted": result.Attempted,
		"sent":      result.Sent,
		"failed":    result.Failed,
	}).Info("dispatch pass finished")
	return result, nil
}

// deliver sends one entry and records the outcome. The error is only
// non-nil when the outcome could not be persisted.
func (w *Worker) deliver(ctx context.Context, e Entry) (bool, error) {
	logger := w.logger.WithFields(map[string]interface{}{
		"entry_id":   e.ID,
		"invoice_id": e.InvoiceID,
		"kind":       string(e.Kind),
	})

	sendErr := w.send(ctx, e)
	// Outcomes are persisted even when the per-entry deadline has passed
	storeCtx := context.WithoutCancel(ctx)
	now := w.clock.Now()

	if sendErr == nil {
		w.metrics.RecordDispatch(string(StatusSent))
		if err := w.store.MarkSent(storeCtx, e.ID, now); err != nil {
			return true, fmt.Errorf("failed to mark %s sent: %w", e.ID, err)
		}
		logger.Debug("document delivered")
		return true, nil
	}

	attempts := e.Attempts + 1
	next := w.policy.NextTime(now, attempts)
	w.metrics.RecordDispatch(string(StatusFailed))
	logger.WithError(sendErr).WithField("attempts", attempts).Warn("document delivery failed")
	if !w.policy.CanRetry(attempts) {
		logger.Error("document delivery attempts exhausted, manual reset required")
	}
	if err := w.store.MarkFailed(storeCtx, e.ID, attempts, sendErr.Error(), next, now); err != nil {
		return false, fmt.Errorf("failed to mark %s failed: %w", e.ID, err)
	}
	return false, nil
}

func (w *Worker) send(ctx context.Context, e Entry) error {
	msg := Message{
		To:      e.Recipient,
		From:    w.config.From,
		Subject: e.Subject,
		HTML:    e.HTMLBody,
	}
	if e.AttachmentPath != "" && w.attachments != nil {
		data, err := w.attachments.Get(ctx, e.AttachmentPath)
		if err != nil {
			return fmt.Errorf("failed to load attachment %s: %w", e.AttachmentPath, err)
		}
		msg.Attachment = &Attachment{
			Name:        path.Base(e.AttachmentPath),
			ContentType: "text/html; charset=utf-8",
			Data:        data,
		}
	}
	return w.mailer.Send(ctx, msg)
}
