/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured access log (zap) with the request ID
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the reporting UI

ROUTE GROUPS:
  /api/stocks/*         Stock ledgers, summaries, movements
  /api/lines/*          Cross-stock ledger lines
  /api/countries        Reference data
  /api/campaigns
  /api/request-forms/*
  /api/vaccines         Formulation table
  /api/scheduler        Round closing scheduler
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/vaccine-stock/stock"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Stock routes
		r.Route("/stocks", func(r chi.Router) {
			r.Get("/", h.ListStocks)
			r.Post("/", h.CreateStock)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/summary", h.GetSummary)
				r.Get("/usable", h.GetLines(stock.LedgerUsable))
				r.Get("/unusable", h.GetLines(stock.LedgerUnusable))
				r.Get("/earmarked", h.GetLines(stock.LedgerEarmarked))
				r.Get("/used", h.GetLines(stock.LedgerUsed))
				r.Get("/export.xlsx", h.ExportWorkbook)
				r.Get("/history", h.ListHistory)
				r.Post("/rounds/{round}/close", h.CloseRound)

				r.Post("/outgoing-movements", h.CreateOutgoingMovement)
				r.Post("/destruction-reports", h.CreateDestructionReport)
				r.Post("/incident-reports", h.CreateIncidentReport)
				r.Post("/earmarks", h.CreateEarmark)
			})
		})

		r.Get("/lines/{ledger}", h.ListAllLines)

		// Reference data
		r.Post("/countries", h.CreateCountry)
		r.Post("/campaigns", h.CreateCampaign)
		r.Route("/request-forms", func(r chi.Router) {
			r.Post("/", h.CreateRequestForm)
			r.Post("/{id}/pre-alerts", h.CreatePreAlert)
			r.Post("/{id}/arrival-reports", h.CreateArrivalReport)
		})
		r.Get("/vaccines", h.ListVaccines)

		r.Get("/scheduler", h.GetSchedulerStatus)
		r.Post("/scheduler/run", h.RunScheduler)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// RequestLogger writes one structured log line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
