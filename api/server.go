/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, logged with every line
  2. RealIP:     Client address behind proxies
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Telemetry:  Span, access log and Prometheus counters
  5. CORS:       Cross-origin requests for the billing frontend

ROUTE GROUPS:
  /api/v1/patients/{id}/*   Payments, copays, credit
  /api/v1/payments/{id}     Payment detail
  /api/v1/webhooks/*        Processor callbacks
  /api/v1/scenarios/*       Demo data (only when a Seeder is set)
  /health                   Liveness
  /metrics                  Prometheus scrape

SECURITY NOTE:
  No authentication middleware. The webhook endpoint in particular must
  sit behind a signature check or private network in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/copay-engine/telemetry"
)

// RouterOptions carries the observability wiring. Zero values disable
// request metrics and serve the default Prometheus registry.
type RouterOptions struct {
	Metrics        *telemetry.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(h.Logger, opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", RequestKeyHeader},
		ExposedHeaders: []string{"X-Trace-ID"},
	}))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/patients/{id}", func(r chi.Router) {
			r.Post("/payments", h.SubmitPayment)
			r.Get("/copays", h.ListCopays)
			r.Get("/credit", h.GetCredit)
		})

		r.Get("/payments/{id}", h.GetPayment)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/processor", h.ProcessorWebhook)
		})

		if h.Seeder != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenarioHandler)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeAPIError(w, r, http.StatusNotFound, CodeResourceNotFound, "No handler for "+r.Method+" "+r.URL.Path, false)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeAPIError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not supported for "+r.URL.Path, false)
	})

	return r
}
