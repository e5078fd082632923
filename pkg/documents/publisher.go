package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ErrNoRecipient is returned when the account has no email address
var ErrNoRecipient = errors.New("documents: account has no email address")

const contentTypeHTML = "text/html; charset=utf-8"

// Enqueuer accepts dispatch entries
type Enqueuer interface {
	Enqueue(ctx context.Context, entries ...dispatch.Entry) ([]dispatch.Entry, error)
}

// Publisher renders, stores and queues the documents of a composition
type Publisher struct {
	renderer *Renderer
	store    ObjectStore
	queue    Enqueuer
	logger   *observability.Logger
}

var _ billing.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher
func NewPublisher(renderer *Renderer, store ObjectStore, queue Enqueuer, logger *observability.Logger) *Publisher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Publisher{renderer: renderer, store: store, queue: queue, logger: logger}
}

// DocumentKey returns the object key of a document
func DocumentKey(inv *billing.Invoice, kind dispatch.Kind) string {
	return fmt.Sprintf("%s/%s/%s-%s.html", inv.AccountID, inv.Period, inv.InvoiceNumber, kind)
}

// Publish implements billing.Publisher
func (p *Publisher) Publish(ctx context.Context, comp *billing.Composition) error {
	ctx, span := observability.StartSpan(ctx, "documents.publish")
	defer span.End()

	rendered, err := p.renderer.Render(comp)
	if err != nil {
		return err
	}

	inv := comp.Invoice
	invoiceKey := DocumentKey(inv, dispatch.KindInvoice)
	statementKey := DocumentKey(inv, dispatch.KindStatement)
	if err := p.store.Put(ctx, invoiceKey, rendered.Invoice, contentTypeHTML); err != nil {
		return fmt.Errorf("failed to store invoice %s: %w", inv.InvoiceNumber, err)
	}
	if err := p.store.Put(ctx, statementKey, rendered.Statement, contentTypeHTML); err != nil {
		return fmt.Errorf("failed to store statement for %s: %w", inv.InvoiceNumber, err)
	}

	if comp.Account.Email == "" {
		return fmt.Errorf("%w: %s", ErrNoRecipient, comp.Account.ID)
	}
	entries, err := p.queue.Enqueue(ctx,
		dispatch.Entry{
			InvoiceID:      inv.ID,
			AccountID:      inv.AccountID,
			Kind:           dispatch.KindInvoice,
			Recipient:      comp.Account.Email,
			Subject:        fmt.Sprintf("Invoice %s", inv.InvoiceNumber),
			HTMLBody:       rendered.InvoiceEmail,
			AttachmentPath: invoiceKey,
		},
		dispatch.Entry{
			InvoiceID:      inv.ID,
			AccountID:      inv.AccountID,
			Kind:           dispatch.KindStatement,
			Recipient:      comp.Account.Email,
			Subject:        fmt.Sprintf("Statement of account %s", inv.Period),
			HTMLBody:       rendered.StatementEmail,
			AttachmentPath: statementKey,
		},
	)
	if err != nil {
		return err
	}

	p.logger.WithFields(map[string]interface{}{
		"invoice_number": inv.InvoiceNumber,
		"entries":        len(entries),
	}).Debug("documents queued for delivery")
	return nil
}
