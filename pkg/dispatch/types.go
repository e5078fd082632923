package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown entry IDs
	ErrNotFound = errors.New("dispatch: entry not found")
	// ErrNotFailed is returned when resetting an entry that has not failed
	ErrNotFailed = errors.New("dispatch: entry has not failed")
)

// Status of a queue entry
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Kind of document an entry delivers
type Kind string

const (
	KindInvoice   Kind = "invoice"
	KindStatement Kind = "statement"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindInvoice || k == KindStatement
}

// Entry is one queued email
type Entry struct {
	ID             string     `json:"id"`
	InvoiceID      string     `json:"invoice_id"`
	AccountID      string     `json:"account_id"`
	Kind           Kind       `json:"kind"`
	Recipient      string     `json:"recipient"`
	Subject        string     `json:"subject"`
	HTMLBody       string     `json:"html_body,omitempty"`
	AttachmentPath string     `json:"attachment_path,omitempty"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Deliverable reports whether the entry is due for an attempt at now
func (e *Entry) Deliverable(now time.Time, maxAttempts int) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return e.Attempts < maxAttempts && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
	}
	return false
}

// Stats counts entries by delivery state
type Stats struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
	Exhausted int `json:"exhausted"`
}

// Store persists queue entries
type Store interface {
	Enqueue(ctx context.Context, entries []Entry) error
	// ListDeliverable returns up to limit pending entries and failed entries
	// with attempts below maxAttempts whose next attempt is due, oldest first.
	ListDeliverable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Entry, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next, at time.Time) error
	// Reset returns one failed entry to pending with a cleared attempt
	// counter. Entries in any other status yield ErrNotFailed.
	Reset(ctx context.Context, id string, at time.Time) error
	// ResetFailed returns every failed entry to pending and reports how many moved.
	ResetFailed(ctx context.Context, at time.Time) (int, error)
	Stats(ctx context.Context, maxAttempts int) (Stats, error)
}

// Attachment is a file sent with a message
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Message is what a Mailer sends
type Message struct {
	To         string      `json:"to"`
	From       string      `json:"from"`
	Subject    string      `json:"subject"`
	HTML       string      `json:"html"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Mailer sends one message
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// AttachmentSource loads stored document bytes by path
type AttachmentSource interface {
	Get(ctx context.Context, path string) ([]byte, error)
}
