/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route table. This is
  the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request (X-Request-Id)
  2. Logging:    Request-scoped slog logger, one line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request counter by route pattern
  5. CORS:       Cross-origin requests for the frontend
  6. RateLimit:  Per-IP limit on /api (ulule/limiter, in-memory)

SECURITY NOTE:
  No authentication. X-Actor is trusted as sent.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
	limiterstd "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	AllowedOrigins []string
	// RateLimit uses the ulule format ("300-M"). Empty disables limiting.
	RateLimit string
	// Health reports storage reachability for /healthz.
	Health func(ctx context.Context) error
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) (*chi.Mux, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogging(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Instrument)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", actorHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	rateLimit, err := rateLimiter(opts.RateLimit)
	if err != nil {
		return nil, err
	}

	r.Get("/healthz", healthz(opts.Health))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if rateLimit != nil {
			r.Use(rateLimit)
		}

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Post("/", h.CreateEntry)
			r.Get("/search", h.SearchEntries)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEntry)
				r.Patch("/", h.UpdateEntry)
				r.Delete("/", h.DeleteEntry)
				r.Post("/restore", h.RestoreEntry())
				r.Post("/purge", h.PurgeEntry)
				r.Post("/lock", h.LockEntry())
				r.Post("/unlock", h.UnlockEntry())
				r.Post("/approve", h.ApproveEntry())
				r.Get("/history", h.EntryHistory)
			})
		})

		r.Get("/history", h.AllHistory)
		r.Get("/trash", h.ListTrash)
		r.Get("/dashboard", h.Dashboard)

		r.Route("/balances", func(r chi.Router) {
			r.Get("/companies", h.CompanyBalances)
			r.Get("/companies/{company}/accounts", h.AccountBalances)
			r.Get("/running", h.RunningBalances)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/", h.Reconciliation)
			r.Get("/runs", h.ReconciliationRuns)
		})

		r.Route("/reference", func(r chi.Router) {
			r.Post("/validate", h.ValidateAccountStructure)
			r.Get("/companies", h.ListCompanies)
			r.Post("/companies", h.AddCompany)
			r.Post("/accounts", h.AddAccount)
			r.Post("/subaccounts", h.AddSubAccount)
		})
	})

	return r, nil
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func rateLimiter(formatted string) (func(http.Handler) http.Handler, error) {
	if formatted == "" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	mw := limiterstd.NewMiddleware(limiter.New(memory.NewStore(), rate))
	return mw.Handler, nil
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

type contextKey string

const loggerKey = contextKey("logger")

// requestLogging injects a request-scoped logger and logs completion.
func requestLogging(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("Request completed",
				slog.Int("status", status),
				slog.Duration("latency", time.Since(start)),
			)
		})
	}
}

// requestLogger returns the request-scoped logger or the default one.
func requestLogger(r *http.Request) *slog.Logger {
	if logger, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
