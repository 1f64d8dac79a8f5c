/*
handlers.go - HTTP API handlers for the quote engine

PURPOSE:
  Exposes the quote engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to quote.Engine.

ENDPOINTS:
  Quotes:
    POST   /api/quotes                  Submit a quote request (public)
    GET    /api/quotes?status=&limit=   List quotes, newest first
    GET    /api/quotes/{id}             Get one quote
    GET    /api/quotes/{id}/history     Audit trail, oldest first
    GET    /api/quotes/{id}/document    Rendered quote or issued document
    POST   /api/quotes/{id}/approve     pending -> approved
    POST   /api/quotes/{id}/reject      pending|approved -> rejected
    POST   /api/quotes/{id}/authorize   approved -> authorized (stock + number)
    POST   /api/quotes/{id}/dispatch    authorized -> dispatched
    POST   /api/quotes/{id}/complete    dispatched -> completed
    PUT    /api/quotes/{id}/prices      Reprice a pending quote

  Products:
    GET    /api/products                List catalog
    GET    /api/products/{id}           Get product
    PUT    /api/products/{id}           Create or update (admin)

ERROR HANDLING:
  See errors.go for the error to status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *quote.Engine
	Renderer quote.Renderer
	Logger   *zap.Logger

	// Ready reports store health for /healthz. Nil means always ready.
	Ready func(context.Context) error
}

func NewHandler(engine *quote.Engine, renderer quote.Renderer, logger *zap.Logger) *Handler {
	if renderer == nil {
		renderer = JSONRenderer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Renderer: renderer, Logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// QUOTE HANDLERS
// =============================================================================

// SubmitQuote stores a new pending quote.
// POST /api/quotes
func (h *Handler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	var req SubmitQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	q, err := h.Engine.Submit(r.Context(), req.toDomain())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQuoteDTO(q))
}

// ListQuotes returns quotes, optionally filtered by status.
// GET /api/quotes?status=approved&limit=20
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	var filter quote.QuoteFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := quote.Status(s)
		filter.Status = &status
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			h.writeDomainError(w, r, &quote.ValidationError{Field: "limit", Message: "must be an integer"})
			return
		}
		filter.Limit = limit
	}

	quotes, err := h.Engine.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]QuoteDTO, len(quotes))
	for i, q := range quotes {
		dtos[i] = toQuoteDTO(q)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/quotes/{id}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.Get(r.Context(), quoteID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// GET /api/quotes/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.History(r.Context(), quoteID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDocument renders the quote through the configured renderer.
// GET /api/quotes/{id}/document
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Document(r.Context(), quoteID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	contentType, body, err := h.Renderer.Render(r.Context(), doc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// POST /api/quotes/{id}/approve
func (h *Handler) ApproveQuote(w http.ResponseWriter, r *http.Request) {
	var req ApproveQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Approve(r.Context(), actor, quoteID(r), quote.ApproveInput{
		EstimatedDeliveryDays: req.EstimatedDeliveryDays,
		Notes:                 req.Notes,
	})
	h.writeQuote(w, r, q, err)
}

// POST /api/quotes/{id}/reject
func (h *Handler) RejectQuote(w http.ResponseWriter, r *http.Request) {
	var req RejectQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Reject(r.Context(), actor, quoteID(r), req.Reason)
	h.writeQuote(w, r, q, err)
}

// AuthorizeQuote decrements stock and issues the document number.
// POST /api/quotes/{id}/authorize
func (h *Handler) AuthorizeQuote(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Authorize(r.Context(), actor, quoteID(r), quote.DocumentType(req.DocumentType))
	h.writeQuote(w, r, q, err)
}

// POST /api/quotes/{id}/dispatch
func (h *Handler) DispatchQuote(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Dispatch(r.Context(), actor, quoteID(r))
	h.writeQuote(w, r, q, err)
}

// POST /api/quotes/{id}/complete
func (h *Handler) CompleteQuote(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Complete(r.Context(), actor, quoteID(r))
	h.writeQuote(w, r, q, err)
}

// PUT /api/quotes/{id}/prices
func (h *Handler) RepriceQuote(w http.ResponseWriter, r *http.Request) {
	var req RepriceQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	changes := make([]quote.PriceChange, len(req.Prices))
	for i, p := range req.Prices {
		changes[i] = quote.PriceChange{ProductID: quote.ProductID(p.ProductID), UnitPrice: p.UnitPrice}
	}
	actor, _ := ActorFrom(r.Context())
	q, err := h.Engine.Reprice(r.Context(), actor, quoteID(r), changes)
	h.writeQuote(w, r, q, err)
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Engine.Products(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Product(r.Context(), quote.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// PUT /api/products/{id}
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req UpsertProductRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	p, err := h.Engine.UpsertProduct(r.Context(), actor, &quote.Product{
		ID:          quote.ProductID(chi.URLParam(r, "id")),
		Name:        req.Name,
		Description: req.Description,
		UnitPrice:   req.UnitPrice,
		Stock:       req.Stock,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// =============================================================================
// HELPERS
// =============================================================================

func quoteID(r *http.Request) quote.QuoteID {
	return quote.QuoteID(chi.URLParam(r, "id"))
}

func (h *Handler) writeQuote(w http.ResponseWriter, r *http.Request, q *quote.Quote, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// decodeJSON reads the request body into v. An empty body leaves v zero.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &quote.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
