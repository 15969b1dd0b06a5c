/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack, and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind a proxy
  3. RequestLogger: zerolog request log, request-scoped logger in context
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the school UI

ROUTE GROUPS:
  /api/funds/*          Fund lifecycle and balance
  /api/{category}/*     Stationary and medical expenses
  /api/entries/*        Reversal of single entries
  /api/batches/*        Common expense batches
  /api/years/*          Per-year deficit scans
  /api/billing/*        Pending billing alerts
  /api/admissions       Admission records for the init policy
  /api/admin/*          Reconcile
  /metrics              Prometheus

SECURITY NOTE:
  No authentication middleware. Run behind the school's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/funds/{year}/{student}", func(r chi.Router) {
			r.Get("/", h.GetFund)
			r.Post("/open", h.OpenFund)
			r.Get("/entries", h.GetEntries)
			r.Get("/deficit", h.GetDeficit)
		})

		r.Route("/entries", func(r chi.Router) {
			r.Post("/{id}/reverse", h.ReverseEntry)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/reverse", h.ReverseBatch)
		})

		r.Get("/years/{year}/deficits", h.ListDeficits)
		r.Get("/billing/alerts", h.ListAlerts)
		r.Post("/admissions", h.SaveAdmission)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
		})

		r.Route("/{category}/expenses", func(r chi.Router) {
			r.Post("/", h.RecordExpense)
			r.Post("/common", h.RecordCommonExpense)
			r.Put("/{id}", h.EditExpense)
			r.Delete("/{id}", h.DeleteExpense)
		})
	})

	if h.Metrics != nil {
		r.Method("GET", "/metrics", h.Metrics)
	}

	return r
}
