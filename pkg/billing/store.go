package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerTx is the part of an account transaction the ledger writes through
type LedgerTx interface {
	// LockAccount loads the account and holds its row lock until the transaction ends.
	LockAccount(ctx context.Context, accountID string) (*Account, error)
	// GetInvoice loads the invoice and holds its row lock, so concurrent
	// payments against it apply one after the other.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	UpdateInvoicePayment(ctx context.Context, invoiceID string, received decimal.Decimal, status InvoiceStatus) error
	UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error
}

// Tx is one account's generation transaction
type Tx interface {
	LedgerTx
	LoadSnapshot(ctx context.Context, accountID string, period Period) (*Snapshot, error)
	InsertInvoice(ctx context.Context, inv *Invoice) error
	InsertStatement(ctx context.Context, st *Statement) error
	// ConsumeInstrument flips one Unused instrument to Used and stamps the
	// invoice. It returns ErrInstrumentConsumed when no Unused row matched.
	ConsumeInstrument(ctx context.Context, c Consumption, invoiceID string, at time.Time) error
}

// Store is the persistence the scheduler runs against
type Store interface {
	// ListDueAccounts returns active accounts whose billing_day is in days.
	ListDueAccounts(ctx context.Context, days []int) ([]Account, error)
	// LoadSnapshot reads a snapshot outside any lock, for previews.
	LoadSnapshot(ctx context.Context, accountID string, period Period) (*Snapshot, error)
	// WithAccountTx runs fn in a transaction, committing when fn returns nil.
	WithAccountTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	RecordRun(ctx context.Context, run *GenerationRun) error
}

// Summary is a count and total of billed documents
type Summary struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// ReportStore serves the read-only diagnostics
type ReportStore interface {
	InvoiceSummary(ctx context.Context, from, to time.Time) (Summary, error)
	StatementSummary(ctx context.Context, from, to time.Time) (Summary, error)
	ListDueAccounts(ctx context.Context, days []int) ([]Account, error)
	InvoicedAccounts(ctx context.Context, period Period, accountIDs []string) (map[string]bool, error)
	RecentRuns(ctx context.Context, since time.Time) ([]GenerationRun, error)
}
