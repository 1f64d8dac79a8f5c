package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

const retryAfterSeconds = "1"

// writeDomainError maps engine errors to HTTP statuses:
//
//	not found               404
//	unauthorized            403
//	invalid transition      409
//	insufficient stock      409
//	validation              400
//	malformed quote         422
//	concurrent modification 503 + Retry-After
//	anything else           500
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid    *quote.InvalidTransitionError
		stock      *quote.InsufficientStockError
		validation *quote.ValidationError
	)

	switch {
	case errors.As(err, &invalid):
		msg := "invalid transition"
		if invalid.AlreadyProcessed() {
			msg = "quote already processed"
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:         msg,
			Details:       err.Error(),
			Transition:    string(invalid.Transition),
			CurrentStatus: string(invalid.Current),
		})

	case errors.As(err, &stock):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "insufficient stock",
			Details: err.Error(),
			Stock: &StockShortageDTO{
				ProductID: string(stock.ProductID),
				Available: stock.Available,
				Requested: stock.Requested,
				Shortfall: stock.Shortfall(),
			},
		})

	case errors.Is(err, quote.ErrMalformedQuote):
		h.Logger.Error("malformed quote", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "malformed quote", err)

	case errors.Is(err, quote.ErrConcurrentModification):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "concurrent modification, retry later", nil)

	case errors.Is(err, quote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", err)

	case errors.Is(err, quote.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err)

	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Details: validation.Message,
			Field:   validation.Field,
		})

	default:
		h.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
