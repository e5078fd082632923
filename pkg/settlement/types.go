package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

var (
	// ErrLockHeld is returned when another worker instance holds the lease
	ErrLockHeld = errors.New("settlement: another instance is running")
	// ErrStateConflict is returned when a guarded transition finds the intent
	// in a different state than expected
	ErrStateConflict = errors.New("settlement: intent state changed concurrently")
	// ErrNotFound is returned for unknown intent IDs
	ErrNotFound = errors.New("settlement: intent not found")
	// ErrInvalidTransition is returned for moves the state machine forbids
	ErrInvalidTransition = errors.New("settlement: invalid state transition")
)

// State of a payment intent
type State string

const (
	StatePending    State = "PENDING"
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StatePaid       State = "PAID"
	StateFailed     State = "FAILED"
	StateAPIRetry   State = "API_RETRY"
)

// States lists every state in reporting order
var States = []State{StatePending, StateQueued, StateProcessing, StateAPIRetry, StatePaid, StateFailed}

// Intent is one payment to collect through the gateway
type Intent struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	InvoiceID       string          `json:"invoice_id"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference"`
	State           State           `json:"state"`
	Attempts        int             `json:"attempts"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	GatewayRef      string          `json:"gateway_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ProcessingSince *time.Time      `json:"processing_since,omitempty"`
}

// Counts is the number of intents per state
type Counts map[State]int

// Labels converts counts to metric label values, including zero states
func (c Counts) Labels() map[string]int {
	out := make(map[string]int, len(States))
	for _, s := range States {
		out[string(s)] = c[s]
	}
	return out
}

// Store persists intents. Every transition is guarded on the current state.
type Store interface {
	CreateIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CountIntentsByState(ctx context.Context) (Counts, error)
	// RequeueStale moves PROCESSING intents claimed before olderThan back to QUEUED.
	RequeueStale(ctx context.Context, olderThan, now time.Time) (int, error)
	// PromotePending moves every PENDING intent to QUEUED.
	PromotePending(ctx context.Context, now time.Time) (int, error)
	// PromoteDueRetries moves API_RETRY intents whose backoff has elapsed to QUEUED.
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)
	// ClaimQueued atomically moves up to limit QUEUED intents to PROCESSING
	// and returns them. Concurrent claimers never receive the same intent.
	ClaimQueued(ctx context.Context, limit int, now time.Time) ([]Intent, error)
	// CompletePaid marks a PROCESSING intent PAID and runs apply against the
	// ledger in the same transaction.
	CompletePaid(ctx context.Context, id string, attempts int, gatewayRef string, now time.Time, apply func(ctx context.Context, tx billing.LedgerTx) error) error
	FailIntent(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error
	RetryIntent(ctx context.Context, id string, attempts int, lastErr string, next, now time.Time) error
}
