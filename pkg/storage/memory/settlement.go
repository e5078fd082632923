package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

var _ settlement.Store = (*Store)(nil)

func intentOlder(a, b settlement.Intent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CreateIntent stores a new intent. An empty state defaults to PENDING.
func (s *Store) CreateIntent(ctx context.Context, intent *settlement.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.intents[intent.ID]; ok {
		return fmt.Errorf("payment intent %s already exists", intent.ID)
	}
	if intent.State == "" {
		intent.State = settlement.StatePending
	}
	if !intent.State.Valid() {
		return fmt.Errorf("invalid intent state %q", intent.State)
	}
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}
	s.state.intents[intent.ID] = *intent
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*settlement.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.state.intents[id]
	if !ok {
		return nil, notFound(settlement.ErrNotFound, "intent", id)
	}
	return &in, nil
}

func (s *Store) CountIntentsByState(ctx context.Context) (settlement.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(settlement.Counts, len(settlement.States))
	for _, in := range s.state.intents {
		counts[in.State]++
	}
	return counts, nil
}

// move transitions up to limit intents matching pick, oldest first
func (s *Store) move(to settlement.State, now time.Time, pick func(settlement.Intent) bool, limit int) []settlement.Intent {
	var moved []settlement.Intent
	for _, in := range sortedValues(s.state.intents, intentOlder) {
		if limit > 0 && len(moved) >= limit {
			break
		}
		if !pick(in) || !in.State.CanTransition(to) {
			continue
		}
		in.State = to
		in.UpdatedAt = now
		if to == settlement.StateProcessing {
			in.ProcessingSince = &now
		} else {
			in.ProcessingSince = nil
		}
		s.state.intents[in.ID] = in
		moved = append(moved, in)
	}
	return moved
}

func (s *Store) RequeueStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.move(settlement.StateQueued, now, func(in settlement.Intent) bool {
		return in.State == settlement.StateProcessing && in.ProcessingSince != nil && in.ProcessingSince.Before(olderThan)
	}, 0)), nil
}

func (s *Store) PromotePending(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.move(settlement.StateQueued, now, func(in settlement.Intent) bool {
		return in.State == settlement.StatePending
	}, 0)), nil
}

func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.move(settlement.StateQueued, now, func(in settlement.Intent) bool {
		return in.State == settlement.StateAPIRetry && (in.NextAttemptAt == nil || !in.NextAttemptAt.After(now))
	}, 0)), nil
}

func (s *Store) ClaimQueued(ctx context.Context, limit int, now time.Time) ([]settlement.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(settlement.StateProcessing, now, func(in settlement.Intent) bool {
		return in.State == settlement.StateQueued
	}, limit), nil
}

// processing loads an intent that must still be PROCESSING. Callers hold the mutex.
func (s *state) processing(id string) (settlement.Intent, error) {
	in, ok := s.intents[id]
	if !ok {
		return in, notFound(settlement.ErrNotFound, "intent", id)
	}
	if in.State != settlement.StateProcessing {
		return in, fmt.Errorf("%w: intent %s is %s", settlement.ErrStateConflict, id, in.State)
	}
	return in, nil
}

// CompletePaid marks the intent PAID and runs apply in the same transaction
func (s *Store) CompletePaid(ctx context.Context, id string, attempts int, gatewayRef string, now time.Time, apply func(ctx context.Context, tx billing.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	in, err := work.processing(id)
	if err != nil {
		return err
	}
	if err := apply(ctx, &tx{state: work}); err != nil {
		return err
	}
	in.State = settlement.StatePaid
	in.Attempts = attempts
	in.GatewayRef = gatewayRef
	in.LastError = ""
	in.NextAttemptAt = nil
	in.ProcessingSince = nil
	in.UpdatedAt = now
	work.intents[id] = in
	s.state = work
	return nil
}

func (s *Store) FailIntent(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.state.processing(id)
	if err != nil {
		return err
	}
	in.State = settlement.StateFailed
	in.Attempts = attempts
	in.LastError = lastErr
	in.NextAttemptAt = nil
	in.ProcessingSince = nil
	in.UpdatedAt = now
	s.state.intents[id] = in
	return nil
}

func (s *Store) RetryIntent(ctx context.Context, id string, attempts int, lastErr string, next, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.state.processing(id)
	if err != nil {
		return err
	}
	in.State = settlement.StateAPIRetry
	in.Attempts = attempts
	in.LastError = lastErr
	in.NextAttemptAt = &next
	in.ProcessingSince = nil
	in.UpdatedAt = now
	s.state.intents[id] = in
	return nil
}
