package analytichttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockwatch/internal/analytics"
	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

const requestTimeout = 5 * time.Second

// LossRateService defines the analytics contract used by the handler.
type LossRateService interface {
	CalculateLossRatesAt(ctx context.Context, q analytics.Query) (analytics.LossRateReport, error)
}

// AlertStatsService exposes alert statistics from the detector.
type AlertStatsService interface {
	GetAlertStatistics(ctx context.Context, storeID int64, windowDays int) (variance.AlertStatistics, error)
}

// Handler coordinates HTTP requests for loss-rate analytics.
type Handler struct {
	logger  *slog.Logger
	service LossRateService
	alerts  AlertStatsService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler constructs the analytics HTTP handler.
func NewHandler(logger *slog.Logger, service LossRateService, alerts AlertStatsService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, alerts: alerts, rbac: rbac, now: time.Now}
}

// WithNow overrides the handler clock for testing.
func (h *Handler) WithNow(fn func() time.Time) {
	if fn != nil {
		h.now = fn
	}
}

// lossRatesResponse carries one report per requested period.
type lossRatesResponse struct {
	Week  *analytics.LossRateReport `json:"week,omitempty"`
	Month *analytics.LossRateReport `json:"month,omitempty"`
}

func (h *Handler) handleLossRates(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	asOf, err := httpx.QueryTime(r, "as_of")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if asOf.IsZero() {
		asOf = h.now().UTC()
	}
	periods, err := parsePeriods(r.URL.Query().Get("period"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reports := make([]analytics.LossRateReport, len(periods))
	g, gctx := errgroup.WithContext(ctx)
	for i, period := range periods {
		g.Go(func() error {
			report, err := h.service.CalculateLossRatesAt(gctx, analytics.Query{StoreID: storeID, ProductID: productID, Period: period, AsOf: asOf})
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logFailure(r, "loss rates", err)
		httpx.RespondError(w, err)
		return
	}

	var resp lossRatesResponse
	for i := range reports {
		switch reports[i].Period {
		case analytics.PeriodWeek:
			resp.Week = &reports[i]
		case analytics.PeriodMonth:
			resp.Month = &reports[i]
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	windowDays, err := httpx.QueryInt64(r, "window_days")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if windowDays == 0 {
		windowDays = 30
	}
	stats, err := h.alerts.GetAlertStatistics(r.Context(), storeID, int(windowDays))
	if err != nil {
		h.logFailure(r, "alert statistics", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func parsePeriods(raw string) ([]analytics.Period, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return []analytics.Period{analytics.PeriodWeek, analytics.PeriodMonth}, nil
	case string(analytics.PeriodWeek):
		return []analytics.Period{analytics.PeriodWeek}, nil
	case string(analytics.PeriodMonth):
		return []analytics.Period{analytics.PeriodMonth}, nil
	}
	return nil, shared.Invalid("period", "must be week, month or all")
}

func (h *Handler) logFailure(r *http.Request, op string, err error) {
	if h.logger == nil {
		return
	}
	level := slog.LevelWarn
	if !isClientError(err) {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "analytics request failed", slog.String("op", op), slog.Any("error", err))
}

func isClientError(err error) bool {
	for _, target := range []error{shared.ErrValidation, shared.ErrNotFound, shared.ErrPermission} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
