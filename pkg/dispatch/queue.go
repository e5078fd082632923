package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

// Queue is the producer and operator side of the dispatch store
type Queue struct {
	store       Store
	clock       clock.Clock
	maxAttempts int
}

// NewQueue creates a queue over store
func NewQueue(store Store, c clock.Clock, maxAttempts int) *Queue {
	if c == nil {
		c = clock.NewSystem(nil)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: store, clock: c, maxAttempts: maxAttempts}
}

// MaxAttempts returns the retry ceiling used for stats
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue stores entries as pending. IDs and timestamps are assigned here.
func (q *Queue) Enqueue(ctx context.Context, entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	now := q.clock.Now()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("invalid dispatch kind %q", e.Kind)
		}
		if e.Recipient == "" {
			return nil, fmt.Errorf("dispatch entry for %s %s has no recipient", e.Kind, e.InvoiceID)
		}
		e.ID = uuid.NewString()
		e.Status = StatusPending
		e.Attempts = 0
		e.LastError = ""
		e.NextAttemptAt = nil
		e.SentAt = nil
		e.CreatedAt = now
		e.UpdatedAt = now
		out[i] = e
	}
	if err := q.store.Enqueue(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to enqueue %d entries: %w", len(out), err)
	}
	return out, nil
}

// Reset returns one failed entry to pending
func (q *Queue) Reset(ctx context.Context, id string) error {
	return q.store.Reset(ctx, id, q.clock.Now())
}

// ResetFailed returns every failed entry to pending
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	return q.store.ResetFailed(ctx, q.clock.Now())
}

// Stats counts entries by state
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx, q.maxAttempts)
}
