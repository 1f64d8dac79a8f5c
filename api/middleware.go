package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// ActorFrom returns the actor attached by ActorMiddleware, if any.
func ActorFrom(ctx context.Context) (quote.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(quote.Actor)
	return a, ok
}

// ActorMiddleware reads the caller identity set by the auth gateway.
// Requests without identity headers pass through anonymously; a partial or
// unknown identity is rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		role := quote.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))

		if id == "" && role == "" {
			next.ServeHTTP(w, r)
			return
		}
		if id == "" || !validRole(role) {
			writeError(w, http.StatusUnauthorized, "invalid actor identity", nil)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, quote.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireActor rejects anonymous requests.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "actor identity required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validRole(r quote.Role) bool {
	switch r {
	case quote.RoleAdmin, quote.RoleManager, quote.RoleSales, quote.RoleCustomer:
		return true
	}
	return false
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
