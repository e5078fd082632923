package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

var _ settlement.Store = (*Store)(nil)

const intentColumns = `id, account_id, invoice_id, amount, reference, state, attempts,
	next_attempt_at, last_error, gateway_ref, processing_since, created_at, updated_at`

func scanIntent(row rowScanner) (*settlement.Intent, error) {
	var (
		in               settlement.Intent
		state            string
		next, processing sql.NullTime
	)
	if err := row.Scan(&in.ID, &in.AccountID, &in.InvoiceID, &in.Amount, &in.Reference, &state,
		&in.Attempts, &next, &in.LastError, &in.GatewayRef, &processing, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.State = settlement.State(state)
	in.NextAttemptAt = timePtr(next)
	in.ProcessingSince = timePtr(processing)
	return &in, nil
}

// CreateIntent inserts a new intent. An empty state defaults to PENDING.
func (s *Store) CreateIntent(ctx context.Context, intent *settlement.Intent) error {
	if intent.State == "" {
		intent.State = settlement.StatePending
	}
	if !intent.State.Valid() {
		return fmt.Errorf("invalid intent state %q", intent.State)
	}
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}

	_, err := s.conns.Primary().ExecContext(ctx,
		`INSERT INTO payment_intents (`+intentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		intent.ID, intent.AccountID, intent.InvoiceID, intent.Amount, intent.Reference,
		string(intent.State), intent.Attempts, nullTime(intent.NextAttemptAt), intent.LastError,
		intent.GatewayRef, nullTime(intent.ProcessingSince), intent.CreatedAt, intent.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment intent %s already exists", intent.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create intent %s: %w", intent.ID, err)
	}
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*settlement.Intent, error) {
	in, err := scanIntent(s.conns.Primary().QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: intent %s", settlement.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", id, err)
	}
	return in, nil
}

func (s *Store) CountIntentsByState(ctx context.Context) (settlement.Counts, error) {
	rows, err := s.conns.Primary().QueryContext(ctx,
		`SELECT state, COUNT(*) FROM payment_intents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	defer rows.Close()

	counts := make(settlement.Counts, len(settlement.States))
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[settlement.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) RequeueStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	n, err := affected(s.conns.Primary().ExecContext(ctx,
		`UPDATE payment_intents SET state = 'QUEUED', processing_since = NULL, updated_at = $2
		 WHERE state = 'PROCESSING' AND processing_since < $1`, olderThan, now))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale intents: %w", err)
	}
	return n, nil
}

func (s *Store) PromotePending(ctx context.Context, now time.Time) (int, error) {
	n, err := affected(s.conns.Primary().ExecContext(ctx,
		`UPDATE payment_intents SET state = 'QUEUED', updated_at = $1 WHERE state = 'PENDING'`, now))
	if err != nil {
		return 0, fmt.Errorf("failed to promote pending intents: %w", err)
	}
	return n, nil
}

func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	n, err := affected(s.conns.Primary().ExecContext(ctx,
		`UPDATE payment_intents SET state = 'QUEUED', updated_at = $1
		 WHERE state = 'API_RETRY' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)`, now))
	if err != nil {
		return 0, fmt.Errorf("failed to promote due retries: %w", err)
	}
	return n, nil
}

// ClaimQueued moves the oldest QUEUED intents to PROCESSING. SKIP LOCKED keeps
// concurrent claimers on disjoint rows.
func (s *Store) ClaimQueued(ctx context.Context, limit int, now time.Time) ([]settlement.Intent, error) {
	ctx, span := startSpan(ctx, "ClaimQueued")
	defer span.End()

	rows, err := s.conns.Primary().QueryContext(ctx,
		`UPDATE payment_intents SET state = 'PROCESSING', processing_since = $2, updated_at = $2
		 WHERE state = 'QUEUED' AND id IN (
			SELECT id FROM payment_intents
			WHERE state = 'QUEUED'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+intentColumns, limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim intents: %w", err)
	}
	defer rows.Close()

	var out []settlement.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// conflict explains a guarded update that touched no row
func conflict(ctx context.Context, q querier, id string) error {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM payment_intents WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: intent %s", settlement.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: intent %s is %s", settlement.ErrStateConflict, id, state)
}

// finish applies a guarded PROCESSING -> to update on q
func finish(ctx context.Context, q querier, id string, query string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update intent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conflict(ctx, q, id)
	}
	return nil
}

// CompletePaid marks the intent PAID and runs apply in the same transaction
func (s *Store) CompletePaid(ctx context.Context, id string, attempts int, gatewayRef string, now time.Time, apply func(ctx context.Context, tx billing.LedgerTx) error) error {
	ctx, span := startSpan(ctx, "CompletePaid")
	defer span.End()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := finish(ctx, tx, id,
			`UPDATE payment_intents SET state = 'PAID', attempts = $2, gateway_ref = $3, last_error = '',
			 next_attempt_at = NULL, processing_since = NULL, updated_at = $4
			 WHERE id = $1 AND state = 'PROCESSING'`, attempts, gatewayRef, now); err != nil {
			return err
		}
		return apply(ctx, &billingTx{tx: tx})
	})
}

func (s *Store) FailIntent(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	return finish(ctx, s.conns.Primary(), id,
		`UPDATE payment_intents SET state = 'FAILED', attempts = $2, last_error = $3,
		 next_attempt_at = NULL, processing_since = NULL, updated_at = $4
		 WHERE id = $1 AND state = 'PROCESSING'`, attempts, lastErr, now)
}

func (s *Store) RetryIntent(ctx context.Context, id string, attempts int, lastErr string, next, now time.Time) error {
	return finish(ctx, s.conns.Primary(), id,
		`UPDATE payment_intents SET state = 'API_RETRY', attempts = $2, last_error = $3,
		 next_attempt_at = $4, processing_since = NULL, updated_at = $5
		 WHERE id = $1 AND state = 'PROCESSING'`, attempts, lastErr, next, now)
}
