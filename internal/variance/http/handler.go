package variancehttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

// Service is the detector surface used by the handler.
type Service interface {
	RunAnalysis(ctx context.Context, storeID int64) ([]variance.Alert, error)
	GetActiveAlerts(ctx context.Context, storeID int64) ([]variance.Alert, error)
	ResolveAlert(ctx context.Context, actor shared.Actor, id uuid.UUID, note string) (variance.Alert, error)
}

// Enqueuer schedules a scan on the worker.
type Enqueuer interface {
	EnqueueVarianceScan(ctx context.Context, storeID int64) (string, error)
}

// Handler wires detector endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
	rbac    rbac.Middleware
	jobs    Enqueuer
}

// NewHandler constructs handler. jobs may be nil, in which case only
// synchronous runs are accepted.
func NewHandler(logger *slog.Logger, service Service, rbac rbac.Middleware, jobs Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, jobs: jobs}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/variance", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermVarianceRun)).Post("/runs", h.runAnalysis)
		r.With(h.rbac.RequireAny(shared.PermAlertView)).Get("/alerts", h.listAlerts)
		r.With(h.rbac.RequireAny(shared.PermAlertResolve)).Post("/alerts/{id}/resolve", h.resolveAlert)
	})
}

type runRequest struct {
	StoreID int64 `json:"store_id" validate:"required,gt=0"`
	Async   bool  `json:"async"`
}

type runResponse struct {
	StoreID int64            `json:"store_id"`
	Alerts  []variance.Alert `json:"alerts,omitempty"`
	TaskID  string           `json:"task_id,omitempty"`
}

func (h *Handler) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Async {
		if h.jobs == nil {
			httpx.RespondError(w, shared.Invalid("async", "background scans are not configured"))
			return
		}
		taskID, err := h.jobs.EnqueueVarianceScan(r.Context(), req.StoreID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "enqueue variance scan", slog.Int64("store_id", req.StoreID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, runResponse{StoreID: req.StoreID, TaskID: taskID})
		return
	}
	alerts, err := h.service.RunAnalysis(r.Context(), req.StoreID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if alerts == nil {
		alerts = []variance.Alert{}
	}
	httpx.JSON(w, http.StatusOK, runResponse{StoreID: req.StoreID, Alerts: alerts})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	typ := variance.AlertType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))))
	if typ != "" && !typ.Valid() {
		httpx.RespondError(w, shared.Invalid("type", "unknown alert type"))
		return
	}
	alerts, err := h.service.GetActiveAlerts(r.Context(), storeID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]variance.Alert, 0, len(alerts))
	for _, a := range alerts {
		if typ == "" || a.Type == typ {
			out = append(out, a)
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "must be a uuid"))
		return
	}
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	alert, err := h.service.ResolveAlert(r.Context(), httpx.Actor(r), id, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alert)
}
