/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Tracing:    One server span per request (OpenTelemetry)
  3. Logger:     zap request log with status and duration
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office UI
  6. Actor:      X-Actor-ID / X-Actor-Role from the auth gateway

ROUTE GROUPS:
  /healthz          Liveness and store readiness
  /api/quotes/*     Quote lifecycle
  /api/products/*   Catalog

SECURITY NOTE:
  Credentials are verified upstream. This service trusts the actor headers
  and only checks capabilities. Only quote submission and catalog reads are
  open to anonymous callers.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Actor and logging middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/observability"
)

type RouterOptions struct {
	ServiceName    string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "quote-engine"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(observability.HTTPMiddleware(opts.ServiceName))
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Route("/quotes", func(r chi.Router) {
			r.Post("/", h.SubmitQuote)

			r.Group(func(r chi.Router) {
				r.Use(RequireActor)
				r.Get("/", h.ListQuotes)
				r.Get("/{id}", h.GetQuote)
				r.Get("/{id}/history", h.GetHistory)
				r.Get("/{id}/document", h.GetDocument)
				r.Post("/{id}/approve", h.ApproveQuote)
				r.Post("/{id}/reject", h.RejectQuote)
				r.Post("/{id}/authorize", h.AuthorizeQuote)
				r.Post("/{id}/dispatch", h.DispatchQuote)
				r.Post("/{id}/complete", h.CompleteQuote)
				r.Put("/{id}/prices", h.RepriceQuote)
			})
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Get("/{id}", h.GetProduct)
			r.With(RequireActor).Put("/{id}", h.UpsertProduct)
		})
	})

	return r
}
