package stockcount

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Handler exposes the count workflow as JSON endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the count handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/counts", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermCountView)).Get("/", h.list)
		r.With(h.rbac.RequireAny(shared.PermCountCreate)).Post("/", h.create)
		r.With(h.rbac.RequireAny(shared.PermCountView)).Get("/{id}", h.get)
		r.With(h.rbac.RequireAny(shared.PermCountRecord)).Post("/{id}/entries", h.recordCounts)
		r.With(h.rbac.RequireAny(shared.PermCountSubmit)).Post("/{id}/submit", h.submit)
		r.With(h.rbac.RequireAny(shared.PermCountValidate)).Post("/{id}/validate", h.validate)
		r.With(h.rbac.RequireAny(shared.PermCountReject)).Post("/{id}/reject", h.reject)
		r.With(h.rbac.RequireAny(shared.PermCountCreate)).Post("/{id}/resubmit", h.resubmit)
	})
}

type createRequest struct {
	StoreID int64 `json:"store_id" validate:"required,gt=0"`
}

type entriesRequest struct {
	Entries []Entry `json:"entries" validate:"dive"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Create(r.Context(), httpx.Actor(r), req.StoreID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	counts, err := h.service.List(r.Context(), storeID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := httpx.Paginate(w, r, counts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) recordCounts(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	var req entriesRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.RecordCounts(r.Context(), httpx.Actor(r), id, req.Entries)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	var req entriesRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	c, err := h.service.Submit(r.Context(), httpx.Actor(r), id, req.Entries)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Validate(r.Context(), httpx.Actor(r), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "validate count", slog.String("id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Reject(r.Context(), httpx.Actor(r), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := countID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Resubmit(r.Context(), httpx.Actor(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func countID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "invalid count id"))
		return uuid.Nil, false
	}
	return id, true
}
