package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NOTIFICATION COLLABORATOR
// =============================================================================

type EventType string

const (
	EventSubmitted  EventType = "quote.submitted"
	EventRepriced   EventType = "quote.repriced"
	EventApproved   EventType = "quote.approved"
	EventRejected   EventType = "quote.rejected"
	EventAuthorized EventType = "quote.authorized"
	EventDispatched EventType = "quote.dispatched"
	EventCompleted  EventType = "quote.completed"
)

// Event is a copy of quote data handed to the notifier after commit.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	Quote      *Quote
}

// Notifier receives events fire-and-forget. The engine logs a returned error
// and carries on; a notifier can never roll back a committed transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// DOCUMENT RENDERING COLLABORATOR
// =============================================================================

// DocumentSnapshot is the complete, consistent view a renderer receives.
// DocumentNumber is empty for a plain quote preview.
type DocumentSnapshot struct {
	Quote          *Quote
	Lines          []DocumentLine
	Subtotal       decimal.Decimal
	TaxRate        decimal.Decimal
	Tax            decimal.Decimal
	GrandTotal     decimal.Decimal
	DocumentType   DocumentType
	DocumentNumber string
	IssuedAt       *time.Time
}

type DocumentLine struct {
	LineItem
	Subtotal decimal.Decimal
}

// Renderer turns a snapshot into a document (PDF, HTML, JSON...).
type Renderer interface {
	Render(ctx context.Context, doc DocumentSnapshot) (contentType string, body []byte, err error)
}

// NewDocumentSnapshot builds the renderer input from q.
func NewDocumentSnapshot(q *Quote) DocumentSnapshot {
	lines := make([]DocumentLine, len(q.Order.Items))
	for i, item := range q.Order.Items {
		lines[i] = DocumentLine{LineItem: item, Subtotal: item.Subtotal()}
	}
	doc := DocumentSnapshot{
		Quote:      q.Clone(),
		Lines:      lines,
		Subtotal:   q.Total,
		TaxRate:    q.TaxRate,
		Tax:        q.Tax(),
		GrandTotal: q.GrandTotal(),
	}
	if q.Status.Issued() {
		doc.DocumentType = q.DocumentType
		doc.DocumentNumber = q.DocumentNumber
		doc.IssuedAt = q.AuthorizedAt
	}
	return doc
}
