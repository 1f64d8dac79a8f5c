/*
engine.go - Quote Authorization Engine

PURPOSE:
  The only writer of quote status, document numbers and the audit trail.
  Every mutating call runs as one unit of work on the Store; nothing is
  written unless everything is.

AUTHORIZE (the compound transition), inside a single unit of work:
  1. Load quote                         -> NotFound
  2. Check caller capability            -> Unauthorized
  3. Check status == approved           -> InvalidTransition
  4. Check the stored order payload     -> MalformedQuote
  5. StockLedger.ReserveAndDecrement    -> InsufficientStock
  6. Sequencer.Next(documentType, year)
  7. Write quote + audit entry
  8. Commit
  Contention (lock timeout, serialization failure, stale version) rolls the
  whole unit back and it is retried from step 1 up to MaxAttempts times.
  A retry of an authorize that already committed stops at step 3.

SIMPLE TRANSITIONS:
  approve, reject, dispatch, complete and reprice touch only the quote row.
  They share the load/capability/status checks and are not retried.

SEE ALSO:
  - statemachine.go: transition table
  - ledger.go, sequencer.go: the shared-state steps
*/
package quote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 50 * time.Millisecond
	tracerName          = "github.com/warp/quote-engine/quote"
)

// DefaultTaxRate is applied to quotes submitted without a configured rate.
var DefaultTaxRate = decimal.RequireFromString("0.18")

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store     Store
	Ledger    StockLedger
	Sequencer *Sequencer
	Notifier  Notifier
	Logger    *zap.Logger
	Tracer    trace.Tracer

	TaxRate      decimal.Decimal
	MaxAttempts  int
	RetryBackoff time.Duration

	Now   func() time.Time
	NewID func() string
}

// Options configures NewEngine. Zero fields take defaults.
type Options struct {
	Sequencer    *Sequencer
	Notifier     Notifier
	Logger       *zap.Logger
	Tracer       trace.Tracer
	TaxRate      decimal.NullDecimal
	MaxAttempts  int
	RetryBackoff time.Duration
	Now          func() time.Time
}

func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		Store:        store,
		Sequencer:    opts.Sequencer,
		Notifier:     opts.Notifier,
		Logger:       opts.Logger,
		Tracer:       opts.Tracer,
		TaxRate:      DefaultTaxRate,
		MaxAttempts:  opts.MaxAttempts,
		RetryBackoff: opts.RetryBackoff,
		Now:          opts.Now,
		NewID:        uuid.NewString,
	}
	if opts.TaxRate.Valid {
		e.TaxRate = opts.TaxRate.Decimal
	}
	if e.Sequencer == nil {
		e.Sequencer = NewSequencer("", "", 0)
	}
	if e.Notifier == nil {
		e.Notifier = NopNotifier{}
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Tracer == nil {
		e.Tracer = otel.Tracer(tracerName)
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.RetryBackoff < 0 {
		e.RetryBackoff = 0
	} else if e.RetryBackoff == 0 {
		e.RetryBackoff = DefaultRetryBackoff
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// =============================================================================
// INPUTS
// =============================================================================

type SubmitLine struct {
	ProductID ProductID
	Quantity  int64
}

type SubmitRequest struct {
	Requester    Requester
	Lines        []SubmitLine
	DocumentType DocumentType
	Fiscal       *FiscalData
	Notes        string
}

type ApproveInput struct {
	EstimatedDeliveryDays *int
	Notes                 *string
}

type PriceChange struct {
	ProductID ProductID
	UnitPrice decimal.Decimal
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit prices the requested lines from the catalog and stores a pending
// quote. Lines naming unknown products are kept as unmatched requests.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Quote, error) {
	ctx, span := e.Tracer.Start(ctx, "quote.Submit")
	defer span.End()

	if err := validateSubmit(req); err != nil {
		return nil, e.fail(span, err)
	}

	var created *Quote
	err := e.retry(ctx, "", func(ctx context.Context) error {
		return e.Store.WithTx(ctx, func(tx Tx) error {
			order := Order{DocumentType: req.DocumentType, Fiscal: req.Fiscal}
			for _, line := range req.Lines {
				p, err := tx.GetProduct(ctx, line.ProductID)
				if IsNotFound(err) {
					order.UnmatchedRequests = append(order.UnmatchedRequests, UnmatchedRequest(line))
					continue
				}
				if err != nil {
					return fmt.Errorf("price line %s: %w", line.ProductID, err)
				}
				order.Items = append(order.Items, LineItem{
					ProductID: p.ID,
					Name:      p.Name,
					UnitPrice: p.UnitPrice,
					Quantity:  line.Quantity,
				})
			}
			if len(order.Items) == 0 {
				return &ValidationError{Field: "lines", Message: "none of the requested products exist in the catalog"}
			}
			if err := order.Validate(); err != nil {
				return err
			}

			number, err := tx.NextCounter(ctx, quoteCounterScope, 0)
			if err != nil {
				return fmt.Errorf("allocate quote number: %w", err)
			}

			now := e.Now().UTC()
			q := &Quote{
				ID:        QuoteID(e.NewID()),
				Number:    number,
				Requester: req.Requester,
				Order:     order,
				Total:     order.Total(),
				TaxRate:   e.TaxRate,
				Status:    StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
				Version:   1,
			}
			if req.Notes != "" {
				notes := req.Notes
				q.Notes = &notes
			}
			if err := tx.InsertQuote(ctx, q); err != nil {
				return fmt.Errorf("insert quote: %w", err)
			}
			if err := tx.AppendAudit(ctx, e.audit(q.ID, AuditSubmitted, SystemActor, now, map[string]string{
				"number":    strconv.FormatInt(number, 10),
				"total":     q.Total.StringFixed(2),
				"unmatched": strconv.Itoa(len(order.UnmatchedRequests)),
			})); err != nil {
				return err
			}
			created = q
			return nil
		})
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	span.SetAttributes(attribute.String("quote.id", string(created.ID)))
	e.Logger.Info("quote submitted",
		zap.String("quote_id", string(created.ID)),
		zap.Int64("quote_number", created.Number),
		zap.Int("lines", len(created.Order.Items)),
		zap.Int("unmatched", len(created.Order.UnmatchedRequests)),
	)
	e.notify(ctx, EventSubmitted, created)
	return created, nil
}

func validateSubmit(req SubmitRequest) error {
	if err := req.Requester.Validate(); err != nil {
		return err
	}
	if len(req.Lines) == 0 {
		return &ValidationError{Field: "lines", Message: "at least one line is required"}
	}
	for i, l := range req.Lines {
		if l.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].product_id", i), Message: "required"}
		}
		if l.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Message: "must be positive"}
		}
	}
	if req.DocumentType != "" && !req.DocumentType.Valid() {
		return &ValidationError{Field: "document_type", Message: fmt.Sprintf("unknown document type %q", req.DocumentType)}
	}
	if req.DocumentType.RequiresFiscalData() && !req.Fiscal.Complete() {
		return &ValidationError{Field: "fiscal", Message: "tax id, legal name and address are required for an invoice"}
	}
	return nil
}

// =============================================================================
// SIMPLE TRANSITIONS
// =============================================================================

func (e *Engine) Approve(ctx context.Context, actor Actor, id QuoteID, in ApproveInput) (*Quote, error) {
	if in.EstimatedDeliveryDays != nil && *in.EstimatedDeliveryDays < 0 {
		return nil, &ValidationError{Field: "estimated_delivery_days", Message: "must not be negative"}
	}
	return e.transition(ctx, actor, id, TransitionApprove, 1, func(_ context.Context, _ Tx, q *Quote, now time.Time) (map[string]string, error) {
		q.ApprovedBy = &actor.ID
		q.ApprovedAt = &now
		details := map[string]string{}
		if in.EstimatedDeliveryDays != nil {
			days := *in.EstimatedDeliveryDays
			q.EstimatedDeliveryDays = &days
			details["estimated_delivery_days"] = strconv.Itoa(days)
		}
		if in.Notes != nil {
			notes := *in.Notes
			q.Notes = &notes
		}
		return details, nil
	})
}

func (e *Engine) Reject(ctx context.Context, actor Actor, id QuoteID, reason string) (*Quote, error) {
	return e.transition(ctx, actor, id, TransitionReject, 1, func(_ context.Context, _ Tx, q *Quote, now time.Time) (map[string]string, error) {
		details := map[string]string{"from": string(q.Status)}
		q.RejectedBy = &actor.ID
		q.RejectedAt = &now
		if reason != "" {
			r := reason
			q.RejectionReason = &r
			details["reason"] = reason
		}
		return details, nil
	})
}

func (e *Engine) Dispatch(ctx context.Context, actor Actor, id QuoteID) (*Quote, error) {
	return e.transition(ctx, actor, id, TransitionDispatch, 1, func(_ context.Context, _ Tx, q *Quote, now time.Time) (map[string]string, error) {
		q.DispatchedAt = &now
		return nil, nil
	})
}

func (e *Engine) Complete(ctx context.Context, actor Actor, id QuoteID) (*Quote, error) {
	return e.transition(ctx, actor, id, TransitionComplete, 1, func(_ context.Context, _ Tx, q *Quote, now time.Time) (map[string]string, error) {
		q.CompletedAt = &now
		return nil, nil
	})
}

// Reprice replaces unit prices on a pending quote and recomputes its total.
func (e *Engine) Reprice(ctx context.Context, actor Actor, id QuoteID, changes []PriceChange) (*Quote, error) {
	if len(changes) == 0 {
		return nil, &ValidationError{Field: "prices", Message: "at least one price is required"}
	}
	for i, c := range changes {
		if c.UnitPrice.IsNegative() {
			return nil, &ValidationError{Field: fmt.Sprintf("prices[%d].unit_price", i), Message: "must not be negative"}
		}
	}
	return e.transition(ctx, actor, id, TransitionReprice, 1, func(_ context.Context, _ Tx, q *Quote, _ time.Time) (map[string]string, error) {
		if err := q.checkPayload(); err != nil {
			return nil, err
		}
		details := map[string]string{"previous_total": q.Total.StringFixed(2)}
		for _, c := range changes {
			matched := false
			for i := range q.Order.Items {
				if q.Order.Items[i].ProductID == c.ProductID {
					q.Order.Items[i].UnitPrice = c.UnitPrice
					matched = true
				}
			}
			if !matched {
				return nil, &ValidationError{Field: "prices", Message: fmt.Sprintf("product %s is not on quote %s", c.ProductID, q.ID)}
			}
			details["price:"+string(c.ProductID)] = c.UnitPrice.String()
		}
		q.Total = q.Order.Total()
		details["total"] = q.Total.StringFixed(2)
		return details, nil
	})
}

// =============================================================================
// AUTHORIZE
// =============================================================================

// Authorize issues a fiscal document for an approved quote and consumes its
// stock. An empty docType falls back to the type requested at submission.
func (e *Engine) Authorize(ctx context.Context, actor Actor, id QuoteID, docType DocumentType) (*Quote, error) {
	if docType != "" && !docType.Valid() {
		return nil, &ValidationError{Field: "document_type", Message: fmt.Sprintf("unknown document type %q", docType)}
	}
	return e.transition(ctx, actor, id, TransitionAuthorize, e.MaxAttempts, func(ctx context.Context, tx Tx, q *Quote, now time.Time) (map[string]string, error) {
		if err := q.checkPayload(); err != nil {
			return nil, err
		}
		dt := docType
		if dt == "" {
			dt = q.Order.DocumentType
		}
		if dt == "" {
			return nil, &ValidationError{Field: "document_type", Message: "required"}
		}
		if dt.RequiresFiscalData() && !q.Order.Fiscal.Complete() {
			return nil, &ValidationError{Field: "fiscal", Message: fmt.Sprintf("quote %s has no fiscal data for an invoice", q.ID)}
		}

		if err := q.Order.Validate(); err != nil {
			return nil, &MalformedQuoteError{QuoteID: q.ID, Reason: "stored order payload", Err: err}
		}
		if !q.Order.Total().Equal(q.Total) {
			return nil, &MalformedQuoteError{QuoteID: q.ID, Reason: fmt.Sprintf("stored total %s does not match lines %s", q.Total, q.Order.Total())}
		}

		if err := e.Ledger.ReserveAndDecrement(ctx, tx, q.Order.StockLines()); err != nil {
			return nil, err
		}

		number, err := e.Sequencer.Next(ctx, tx, dt, now.Year())
		if err != nil {
			return nil, err
		}

		q.DocumentType = dt
		q.DocumentNumber = number
		q.AuthorizedBy = &actor.ID
		q.AuthorizedAt = &now
		return map[string]string{
			"document_type":   string(dt),
			"document_number": number,
		}, nil
	})
}

// =============================================================================
// TRANSITION CORE
// =============================================================================

type applyFunc func(ctx context.Context, tx Tx, q *Quote, now time.Time) (map[string]string, error)

var auditActions = map[Transition]AuditAction{
	TransitionApprove:   AuditApproved,
	TransitionReject:    AuditRejected,
	TransitionAuthorize: AuditAuthorized,
	TransitionDispatch:  AuditDispatched,
	TransitionComplete:  AuditCompleted,
	TransitionReprice:   AuditRepriced,
}

var transitionEvents = map[Transition]EventType{
	TransitionApprove:   EventApproved,
	TransitionReject:    EventRejected,
	TransitionAuthorize: EventAuthorized,
	TransitionDispatch:  EventDispatched,
	TransitionComplete:  EventCompleted,
	TransitionReprice:   EventRepriced,
}

func (e *Engine) transition(ctx context.Context, actor Actor, id QuoteID, t Transition, attempts int, apply applyFunc) (*Quote, error) {
	ctx, span := e.Tracer.Start(ctx, "quote."+string(t), trace.WithAttributes(
		attribute.String("quote.id", string(id)),
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var updated *Quote
	run := func(ctx context.Context) error {
		return e.Store.WithTx(ctx, func(tx Tx) error {
			q, err := tx.GetQuote(ctx, id)
			if err != nil {
				return err
			}
			if err := Authorize(actor, t); err != nil {
				return err
			}
			if err := CheckTransition(q, t); err != nil {
				return err
			}

			now := e.Now().UTC()
			details, err := apply(ctx, tx, q, now)
			if err != nil {
				return err
			}
			q.Status = t.Target()
			q.UpdatedAt = now
			if err := tx.UpdateQuote(ctx, q); err != nil {
				return fmt.Errorf("update quote: %w", err)
			}
			if err := tx.AppendAudit(ctx, e.audit(q.ID, auditActions[t], actor, now, details)); err != nil {
				return err
			}
			updated = q
			return nil
		})
	}

	var err error
	if attempts > 1 {
		err = e.retry(ctx, id, run)
	} else {
		err = run(ctx)
		if IsRetryable(err) {
			err = &ConcurrentModificationError{QuoteID: id, Attempts: 1, Err: err}
		}
	}
	if err != nil {
		e.logFailure(id, t, actor, err)
		return nil, e.fail(span, err)
	}

	fields := []zap.Field{
		zap.String("quote_id", string(id)),
		zap.String("transition", string(t)),
		zap.String("actor_id", actor.ID),
		zap.String("status", string(updated.Status)),
	}
	if updated.DocumentNumber != "" && t == TransitionAuthorize {
		fields = append(fields, zap.String("document_number", updated.DocumentNumber))
		span.SetAttributes(attribute.String("quote.document_number", updated.DocumentNumber))
	}
	e.Logger.Info("quote transition", fields...)
	e.notify(ctx, transitionEvents[t], updated)
	return updated, nil
}

// retry reruns fn while it fails with a retryable error, backing off
// linearly between attempts.
func (e *Engine) retry(ctx context.Context, id QuoteID, fn func(context.Context) error) error {
	attempts := e.MaxAttempts
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		e.Logger.Warn("unit of work contended, retrying",
			zap.String("quote_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(e.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ConcurrentModificationError{QuoteID: id, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return &ConcurrentModificationError{QuoteID: id, Attempts: attempts, Err: err}
}

func (e *Engine) logFailure(id QuoteID, t Transition, actor Actor, err error) {
	fields := []zap.Field{
		zap.String("quote_id", string(id)),
		zap.String("transition", string(t)),
		zap.String("actor_id", actor.ID),
		zap.Error(err),
	}
	var stock *InsufficientStockError
	switch {
	case errors.Is(err, ErrMalformedQuote):
		e.Logger.Error("quote payload failed integrity check", fields...)
	case errors.As(err, &stock):
		e.Logger.Info("authorization blocked by stock", append(fields,
			zap.String("product_id", string(stock.ProductID)),
			zap.Int64("available", stock.Available),
			zap.Int64("requested", stock.Requested),
		)...)
	case IsClientError(err) || IsNotFound(err):
		e.Logger.Info("quote transition refused", fields...)
	default:
		e.Logger.Error("quote transition failed", fields...)
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) audit(id QuoteID, action AuditAction, actor Actor, at time.Time, details map[string]string) AuditEntry {
	return AuditEntry{
		ID:        e.NewID(),
		QuoteID:   id,
		Action:    action,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		At:        at,
		Details:   details,
	}
}

// notify hands a copy of q to the notifier. Errors are logged, never returned.
func (e *Engine) notify(ctx context.Context, typ EventType, q *Quote) {
	ev := Event{ID: e.NewID(), Type: typ, OccurredAt: e.Now().UTC(), Quote: q.Clone()}
	if err := e.Notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		e.Logger.Warn("notification failed",
			zap.String("quote_id", string(q.ID)),
			zap.String("event", string(typ)),
			zap.Error(err),
		)
	}
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id QuoteID) (*Quote, error) {
	return e.Store.GetQuote(ctx, id)
}

// List returns quotes newest number first.
func (e *Engine) List(ctx context.Context, filter QuoteFilter) ([]*Quote, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *filter.Status)}
	}
	if filter.Limit < 0 {
		return nil, &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	return e.Store.ListQuotes(ctx, filter)
}

func (e *Engine) History(ctx context.Context, id QuoteID) ([]AuditEntry, error) {
	if _, err := e.Store.GetQuote(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.History(ctx, id)
}

// Document returns the renderer input for a quote. Authorized quotes carry
// their document number; anything else is a preview.
func (e *Engine) Document(ctx context.Context, id QuoteID) (DocumentSnapshot, error) {
	q, err := e.Store.GetQuote(ctx, id)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	if err := q.checkPayload(); err != nil {
		return DocumentSnapshot{}, err
	}
	return NewDocumentSnapshot(q), nil
}

// =============================================================================
// CATALOG
// =============================================================================

// UpsertProduct creates or replaces a catalog entry, including its stock.
func (e *Engine) UpsertProduct(ctx context.Context, actor Actor, p *Product) (*Product, error) {
	if err := Authorize(actor, TransitionManageCatalog); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	stored := *p
	stored.UpdatedAt = e.Now().UTC()
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertProduct(ctx, &stored)
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info("product upserted",
		zap.String("product_id", string(stored.ID)),
		zap.Int64("stock", stored.Stock),
		zap.String("actor_id", actor.ID),
	)
	return &stored, nil
}

func (e *Engine) Product(ctx context.Context, id ProductID) (*Product, error) {
	return e.Store.GetProduct(ctx, id)
}

func (e *Engine) Products(ctx context.Context) ([]*Product, error) {
	return e.Store.ListProducts(ctx)
}
