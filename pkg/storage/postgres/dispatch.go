package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/dispatch"
)

var _ dispatch.Store = (*Store)(nil)

const entryColumns = `id, invoice_id, account_id, kind, recipient, subject, html_body, attachment_path,
	status, attempts, last_error, next_attempt_at, sent_at, created_at, updated_at`

func scanEntry(row rowScanner) (*dispatch.Entry, error) {
	var (
		e            dispatch.Entry
		kind, status string
		next, sent   sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.InvoiceID, &e.AccountID, &kind, &e.Recipient, &e.Subject,
		&e.HTMLBody, &e.AttachmentPath, &status, &e.Attempts, &e.LastError,
		&next, &sent, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = dispatch.Kind(kind)
	e.Status = dispatch.Status(status)
	e.NextAttemptAt = timePtr(next)
	e.SentAt = timePtr(sent)
	return &e, nil
}

// Enqueue inserts every entry in one transaction
func (s *Store) Enqueue(ctx context.Context, entries []dispatch.Entry) error {
	ctx, span := startSpan(ctx, "Enqueue")
	defer span.End()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO email_queue (`+entryColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				e.ID, e.InvoiceID, e.AccountID, string(e.Kind), e.Recipient, e.Subject,
				e.HTMLBody, e.AttachmentPath, string(e.Status), e.Attempts, e.LastError,
				nullTime(e.NextAttemptAt), nullTime(e.SentAt), e.CreatedAt, e.UpdatedAt)
			if isUniqueViolation(err) {
				return fmt.Errorf("dispatch entry %s already exists", e.ID)
			}
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// ListDeliverable returns due entries, oldest first
func (s *Store) ListDeliverable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]dispatch.Entry, error) {
	ctx, span := startSpan(ctx, "ListDeliverable")
	defer span.End()

	query := `SELECT ` + entryColumns + ` FROM email_queue
		WHERE status = 'pending'
		   OR (status = 'failed' AND attempts < $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
		ORDER BY created_at, id`
	args := []interface{}{maxAttempts, now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conns.Primary().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverable entries: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) updateEntry(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.conns.Primary().ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	return expectOne(res, fmt.Errorf("%w: entry %s", dispatch.ErrNotFound, id))
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.updateEntry(ctx, id,
		`UPDATE email_queue SET status = 'sent', sent_at = $2, next_attempt_at = NULL,
		 last_error = '', updated_at = $2 WHERE id = $1`, at)
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next, at time.Time) error {
	return s.updateEntry(ctx, id,
		`UPDATE email_queue SET status = 'failed', attempts = $2, last_error = $3,
		 next_attempt_at = $4, updated_at = $5 WHERE id = $1`, attempts, lastErr, next, at)
}

// Reset returns a failed entry to pending. Sent and pending entries are left alone.
func (s *Store) Reset(ctx context.Context, id string, at time.Time) error {
	n, err := affected(s.conns.Primary().ExecContext(ctx,
		`UPDATE email_queue SET status = 'pending', attempts = 0, last_error = '',
		 next_attempt_at = NULL, updated_at = $2 WHERE id = $1 AND status = 'failed'`, id, at))
	if err != nil {
		return fmt.Errorf("failed to reset entry %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.conns.Primary().QueryRowContext(ctx, `SELECT status FROM email_queue WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: entry %s", dispatch.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	return fmt.Errorf("%w: entry %s is %s", dispatch.ErrNotFailed, id, status)
}

func (s *Store) ResetFailed(ctx context.Context, at time.Time) (int, error) {
	n, err := affected(s.conns.Primary().ExecContext(ctx,
		`UPDATE email_queue SET status = 'pending', attempts = 0, last_error = '',
		 next_attempt_at = NULL, updated_at = $1 WHERE status = 'failed'`, at))
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed entries: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, maxAttempts int) (dispatch.Stats, error) {
	var st dispatch.Stats
	err := s.conns.Replica().QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts < $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= $1)
		 FROM email_queue`, maxAttempts,
	).Scan(&st.Pending, &st.Sent, &st.Failed, &st.Retryable, &st.Exhausted)
	if err != nil {
		return st, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return st, nil
}
