package inventory

import (
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Handler exposes the ledger as JSON endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMovementView))
		r.Get("/movements", h.listMovements)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMovementRecord))
		r.Post("/movements", h.recordMovement)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermStockView))
		r.Get("/stock/{storeID}/{productID}", h.stockLevel)
	})
}

func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request) {
	var input RecordInput
	if err := httpx.DecodeValid(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && input.IdempotencyKey == "" {
		input.IdempotencyKey = key
	}
	movement, err := h.service.Record(r.Context(), httpx.Actor(r), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

// listMovements streams the lazy ledger sequence as a JSON array.
func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := httpx.QueryTime(r, "from")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := httpx.QueryTime(r, "to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	next, stop := iter.Pull2(h.service.Movements(r.Context(), storeID, DateRange{From: from, To: to}, filter))
	defer stop()
	m, err, ok := next()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	_, _ = w.Write([]byte("["))
	for count := 0; ok; count++ {
		if count > 0 {
			_, _ = w.Write([]byte(","))
		}
		if err := enc.Encode(m); err != nil {
			return
		}
		m, err, ok = next()
		if err != nil {
			h.logger.ErrorContext(r.Context(), "stream movements", slog.Int64("store_id", storeID), slog.Any("error", err))
			break
		}
	}
	_, _ = w.Write([]byte("]"))
}

func (h *Handler) stockLevel(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.ParseInt64("store_id", chi.URLParam(r, "storeID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.ParseInt64("product_id", chi.URLParam(r, "productID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.service.StockLevel(r.Context(), storeID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	var filter Filter
	for _, raw := range splitList(q["type"]) {
		t := MovementType(raw)
		if !t.Valid() {
			return Filter{}, shared.Invalid("type", "unknown movement type")
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range splitList(q["loss_category"]) {
		c := LossCategory(raw)
		if !c.Valid() {
			return Filter{}, shared.Invalid("loss_category", "unknown loss category")
		}
		filter.LossCategories = append(filter.LossCategories, c)
	}
	for _, raw := range splitList(q["product_id"]) {
		id, err := httpx.ParseInt64("product_id", raw)
		if err != nil {
			return Filter{}, err
		}
		filter.ProductIDs = append(filter.ProductIDs, id)
	}
	filter.Search = strings.TrimSpace(q.Get("q"))
	return filter, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
