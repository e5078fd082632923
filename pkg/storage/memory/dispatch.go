package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/dispatch"
)

var _ dispatch.Store = (*Store)(nil)

func entryOlder(a, b dispatch.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Enqueue stores entries, rejecting duplicate IDs
func (s *Store) Enqueue(ctx context.Context, entries []dispatch.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.state.entries[e.ID]; ok {
			return fmt.Errorf("dispatch entry %s already exists", e.ID)
		}
	}
	for _, e := range entries {
		s.state.entries[e.ID] = e
	}
	return nil
}

// ListDeliverable returns due entries, oldest first
func (s *Store) ListDeliverable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]dispatch.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispatch.Entry
	for _, e := range sortedValues(s.state.entries, entryOlder) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Deliverable(now, maxAttempts) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) update(id string, fn func(e *dispatch.Entry)) error {
	e, ok := s.state.entries[id]
	if !ok {
		return notFound(dispatch.ErrNotFound, "entry", id)
	}
	fn(&e)
	s.state.entries[id] = e
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(e *dispatch.Entry) {
		e.Status = dispatch.StatusSent
		e.SentAt = &at
		e.NextAttemptAt = nil
		e.LastError = ""
		e.UpdatedAt = at
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(e *dispatch.Entry) {
		e.Status = dispatch.StatusFailed
		e.Attempts = attempts
		e.LastError = lastErr
		e.NextAttemptAt = &next
		e.UpdatedAt = at
	})
}

func resetEntry(e *dispatch.Entry, at time.Time) {
	e.Status = dispatch.StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.NextAttemptAt = nil
	e.UpdatedAt = at
}

func (s *Store) Reset(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.entries[id]
	if !ok {
		return notFound(dispatch.ErrNotFound, "entry", id)
	}
	if e.Status != dispatch.StatusFailed {
		return fmt.Errorf("%w: entry %s is %s", dispatch.ErrNotFailed, id, e.Status)
	}
	resetEntry(&e, at)
	s.state.entries[id] = e
	return nil
}

func (s *Store) ResetFailed(ctx context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.state.entries {
		if e.Status != dispatch.StatusFailed {
			continue
		}
		resetEntry(&e, at)
		s.state.entries[id] = e
		n++
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, maxAttempts int) (dispatch.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st dispatch.Stats
	for _, e := range s.state.entries {
		switch e.Status {
		case dispatch.StatusPending:
			st.Pending++
		case dispatch.StatusSent:
			st.Sent++
		case dispatch.StatusFailed:
			st.Failed++
			if e.Attempts < maxAttempts {
				st.Retryable++
			} else {
				st.Exhausted++
			}
		}
	}
	return st, nil
}
