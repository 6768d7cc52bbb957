package analytichttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/analytics"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

var fixedNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type stubLossRates struct {
	mu      sync.Mutex
	queries []analytics.Query
	err     error
}

func (s *stubLossRates) CalculateLossRatesAt(_ context.Context, q analytics.Query) (analytics.LossRateReport, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.err != nil {
		return analytics.LossRateReport{}, s.err
	}
	return analytics.LossRateReport{StoreID: q.StoreID, Period: q.Period, LossRate: 12, Status: analytics.StatusWarning}, nil
}

type stubAlertStats struct {
	storeID    int64
	windowDays int
}

func (s *stubAlertStats) GetAlertStatistics(_ context.Context, storeID int64, windowDays int) (variance.AlertStatistics, error) {
	s.storeID, s.windowDays = storeID, windowDays
	return variance.AlertStatistics{StoreID: storeID, WindowDays: windowDays, Total: 4, Active: 1, Resolved: 3}, nil
}

func newRouter(svc LossRateService, alerts AlertStatsService) http.Handler {
	mw := rbac.Middleware{Policy: rbac.DefaultPolicy()}
	h := NewHandler(nil, svc, alerts, mw)
	h.WithNow(func() time.Time { return fixedNow })
	r := chi.NewRouter()
	r.Use(mw.Principal)
	h.MountRoutes(r)
	return r
}

func get(router http.Handler, path string, role shared.Role) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(rbac.HeaderActorID, "42")
	req.Header.Set(rbac.HeaderActorRole, string(role))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestLossRatesBothPeriods(t *testing.T) {
	svc := &stubLossRates{}
	rr := get(newRouter(svc, &stubAlertStats{}), "/analytics/loss-rates?store_id=3", shared.RoleManager)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp lossRatesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Week)
	require.NotNil(t, resp.Month)
	require.Equal(t, analytics.PeriodWeek, resp.Week.Period)
	require.Equal(t, analytics.StatusWarning, resp.Month.Status)
	require.Len(t, svc.queries, 2)
	for _, q := range svc.queries {
		require.Equal(t, int64(3), q.StoreID)
		require.Equal(t, fixedNow, q.AsOf)
	}
}

func TestLossRatesSinglePeriodAndAsOf(t *testing.T) {
	svc := &stubLossRates{}
	rr := get(newRouter(svc, &stubAlertStats{}), "/analytics/loss-rates?store_id=3&product_id=8&period=week&as_of=2026-04-01", shared.RoleDirector)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, svc.queries, 1)
	require.Equal(t, analytics.Query{StoreID: 3, ProductID: 8, Period: analytics.PeriodWeek, AsOf: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}, svc.queries[0])
}

func TestLossRatesErrors(t *testing.T) {
	router := newRouter(&stubLossRates{}, &stubAlertStats{})
	require.Equal(t, http.StatusBadRequest, get(router, "/analytics/loss-rates?store_id=3&period=year", shared.RoleManager).Code)
	require.Equal(t, http.StatusBadRequest, get(router, "/analytics/loss-rates?store_id=abc", shared.RoleManager).Code)
	require.Equal(t, http.StatusForbidden, get(router, "/analytics/loss-rates?store_id=3", shared.RoleClerk).Code)

	failing := newRouter(&stubLossRates{err: shared.Invalid("store_id", "required")}, &stubAlertStats{})
	require.Equal(t, http.StatusBadRequest, get(failing, "/analytics/loss-rates", shared.RoleManager).Code)
}

func TestAlertStatsDefaultsWindow(t *testing.T) {
	alerts := &stubAlertStats{}
	router := newRouter(&stubLossRates{}, alerts)
	rr := get(router, "/analytics/alert-stats?store_id=5", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(5), alerts.storeID)
	require.Equal(t, 30, alerts.windowDays)

	var stats variance.AlertStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, 4, stats.Total)

	rr = get(router, "/analytics/alert-stats?store_id=5&window_days=7", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 7, alerts.windowDays)
}
