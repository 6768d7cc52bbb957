package transfer

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Handler exposes transfers as JSON endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermTransferView)).Get("/", h.list)
		r.With(h.rbac.RequireAny(shared.PermTransferCreate)).Post("/", h.create)
		r.With(h.rbac.RequireAny(shared.PermTransferView)).Get("/{id}", h.get)
		r.With(h.rbac.RequireAny(shared.PermTransferDispatch)).Post("/{id}/dispatch", h.dispatch)
		r.With(h.rbac.RequireAny(shared.PermTransferReceive)).Post("/{id}/receive", h.receive)
		r.With(h.rbac.RequireAny(shared.PermTransferCancel)).Post("/{id}/cancel", h.cancel)
	})
}

type receiveRequest struct {
	Lines []ReceiptLine `json:"lines" validate:"required,min=1,dive"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeValid(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tr, err := h.service.Create(r.Context(), httpx.Actor(r), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tr)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.List(r.Context(), ListFilter{StoreID: storeID, Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := httpx.Paginate(w, r, out)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	tr, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tr)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	tr, err := h.service.Dispatch(r.Context(), httpx.Actor(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tr)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tr, err := h.service.Receive(r.Context(), httpx.Actor(r), id, req.Lines)
	if err != nil {
		h.logger.WarnContext(r.Context(), "receive transfer", slog.String("id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tr)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tr, err := h.service.Cancel(r.Context(), httpx.Actor(r), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tr)
}

func transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "invalid transfer id"))
		return uuid.Nil, false
	}
	return id, true
}
