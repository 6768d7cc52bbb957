package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	analytichttp "github.com/odyssey-erp/stockwatch/internal/analytics/http"
	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/observability"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/stockcount"
	"github.com/odyssey-erp/stockwatch/internal/transfer"
	variancehttp "github.com/odyssey-erp/stockwatch/internal/variance/http"
	"github.com/odyssey-erp/stockwatch/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	RBACMiddleware rbac.Middleware
	// Ping reports storage readiness for /healthz; nil means always ready.
	Ping func(context.Context) error

	InventoryHandler *inventory.Handler
	AnalyticsHandler *analytichttp.Handler
	VarianceHandler  *variancehttp.Handler
	CountHandler     *stockcount.Handler
	TransferHandler  *transfer.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with stockwatch defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ping != nil {
			if err := params.Ping(r.Context()); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("health check", slog.Any("error", err))
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(params.RBACMiddleware.Principal)
		r.Get("/me", params.RBACMiddleware.WhoAmI)
		if params.InventoryHandler != nil {
			params.InventoryHandler.MountRoutes(r)
		}
		if params.AnalyticsHandler != nil {
			params.AnalyticsHandler.MountRoutes(r)
		}
		if params.VarianceHandler != nil {
			params.VarianceHandler.MountRoutes(r)
		}
		if params.CountHandler != nil {
			params.CountHandler.MountRoutes(r)
		}
		if params.TransferHandler != nil {
			params.TransferHandler.MountRoutes(r)
		}
	})

	return r
}
