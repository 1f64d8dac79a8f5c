/*
Package notify provides quote.Notifier implementations.

PURPOSE:
  The engine hands every committed transition to a notifier. Delivery is
  fire-and-forget from the engine's point of view: a failed notification is
  logged and never rolls back the transition that produced it.

IMPLEMENTATIONS:
  Log:   writes each event to a zap logger (default when no broker is set)
  Kafka: publishes a JSON payload keyed by quote id (segmentio/kafka-go)
  Async: runs another notifier in the background so slow brokers never
         delay an HTTP response; Close waits for in-flight deliveries

SEE ALSO:
  - quote/collaborators.go: Notifier and Event
  - cmd/server/main.go: selection by NOTIFY_KAFKA_BROKERS
*/
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

// Payload is the wire form of a quote event.
type Payload struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	EventVersion   int             `json:"event_version"`
	OccurredAt     string          `json:"occurred_at"`
	QuoteID        string          `json:"quote_id"`
	QuoteNumber    int64           `json:"quote_number"`
	Status         string          `json:"status"`
	RequesterEmail string          `json:"requester_email"`
	Total          decimal.Decimal `json:"total"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	DocumentType   string          `json:"document_type,omitempty"`
	DocumentNumber string          `json:"document_number,omitempty"`
}

const payloadVersion = 1

func NewPayload(ev quote.Event) Payload {
	q := ev.Quote
	return Payload{
		EventID:        ev.ID,
		EventType:      string(ev.Type),
		EventVersion:   payloadVersion,
		OccurredAt:     ev.OccurredAt.UTC().Format(time.RFC3339),
		QuoteID:        string(q.ID),
		QuoteNumber:    q.Number,
		Status:         string(q.Status),
		RequesterEmail: q.Requester.Email,
		Total:          q.Total,
		GrandTotal:     q.GrandTotal(),
		DocumentType:   string(q.DocumentType),
		DocumentNumber: q.DocumentNumber,
	}
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log records events in the service log.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, ev quote.Event) error {
	l.logger.Info("quote event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("quote_id", string(ev.Quote.ID)),
		zap.Int64("quote_number", ev.Quote.Number),
		zap.String("status", string(ev.Quote.Status)),
		zap.String("document_number", ev.Quote.DocumentNumber),
	)
	return nil
}
