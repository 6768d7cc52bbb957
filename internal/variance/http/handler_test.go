package variancehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

type stubService struct {
	runStore int64
	resolved uuid.UUID
	note     string
	actor    shared.Actor
}

func (s *stubService) RunAnalysis(_ context.Context, storeID int64) ([]variance.Alert, error) {
	s.runStore = storeID
	return []variance.Alert{{ID: uuid.New(), Type: variance.AlertAbnormalLoss, StoreID: storeID}}, nil
}

func (s *stubService) GetActiveAlerts(_ context.Context, storeID int64) ([]variance.Alert, error) {
	if storeID == 99 {
		return nil, nil
	}
	return []variance.Alert{{ID: uuid.New(), Type: variance.AlertUnusualFlow, StoreID: storeID}}, nil
}

func (s *stubService) ResolveAlert(_ context.Context, actor shared.Actor, id uuid.UUID, note string) (variance.Alert, error) {
	s.actor, s.resolved, s.note = actor, id, note
	return variance.Alert{ID: id, Resolved: true, ResolutionNote: note}, nil
}

type stubEnqueuer struct {
	storeID int64
}

func (s *stubEnqueuer) EnqueueVarianceScan(_ context.Context, storeID int64) (string, error) {
	s.storeID = storeID
	return "task-1", nil
}

func newRouter(svc Service, jobs Enqueuer) http.Handler {
	mw := rbac.Middleware{Policy: rbac.DefaultPolicy()}
	r := chi.NewRouter()
	r.Use(mw.Principal)
	NewHandler(nil, svc, mw, jobs).MountRoutes(r)
	return r
}

func do(router http.Handler, method, path, body string, role shared.Role) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(rbac.HeaderActorID, "7")
	req.Header.Set(rbac.HeaderActorRole, string(role))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRunAnalysisSync(t *testing.T) {
	svc := &stubService{}
	rr := do(newRouter(svc, nil), http.MethodPost, "/variance/runs", `{"store_id":4}`, shared.RoleManager)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(4), svc.runStore)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 1)
}

func TestRunAnalysisAsync(t *testing.T) {
	jobs := &stubEnqueuer{}
	rr := do(newRouter(&stubService{}, jobs), http.MethodPost, "/variance/runs", `{"store_id":4,"async":true}`, shared.RoleManager)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, int64(4), jobs.storeID)
	require.Contains(t, rr.Body.String(), "task-1")

	rr = do(newRouter(&stubService{}, nil), http.MethodPost, "/variance/runs", `{"store_id":4,"async":true}`, shared.RoleManager)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunAnalysisRejects(t *testing.T) {
	router := newRouter(&stubService{}, nil)
	require.Equal(t, http.StatusForbidden, do(router, http.MethodPost, "/variance/runs", `{"store_id":4}`, shared.RoleClerk).Code)
	require.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/variance/runs", `{}`, shared.RoleManager).Code)
	require.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/variance/runs", `{`, shared.RoleManager).Code)
}

func TestListAlerts(t *testing.T) {
	router := newRouter(&stubService{}, nil)
	rr := do(router, http.MethodGet, "/variance/alerts?store_id=2", "", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	var alerts []variance.Alert
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	rr = do(router, http.MethodGet, "/variance/alerts?store_id=99", "", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())
}

func TestListAlertsFiltersByType(t *testing.T) {
	router := newRouter(&stubService{}, nil)
	rr := do(router, http.MethodGet, "/variance/alerts?store_id=2&type=unusual_flow", "", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	var alerts []variance.Alert
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	rr = do(router, http.MethodGet, "/variance/alerts?store_id=2&type=abnormal_loss", "", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())

	rr = do(router, http.MethodGet, "/variance/alerts?store_id=2&type=shrinkage", "", shared.RoleClerk)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "type")
}

func TestResolveAlert(t *testing.T) {
	svc := &stubService{}
	router := newRouter(svc, nil)
	id := uuid.New()

	rr := do(router, http.MethodPost, "/variance/alerts/"+id.String()+"/resolve", `{"note":"recounted"}`, shared.RoleManager)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(router, http.MethodPost, "/variance/alerts/"+id.String()+"/resolve", `{"note":"recounted"}`, shared.RoleDirector)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, id, svc.resolved)
	require.Equal(t, "recounted", svc.note)
	require.Equal(t, shared.Actor{ID: 7, Role: shared.RoleDirector}, svc.actor)

	rr = do(router, http.MethodPost, "/variance/alerts/"+id.String()+"/resolve", "", shared.RoleDirector)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(router, http.MethodPost, "/variance/alerts/not-a-uuid/resolve", "", shared.RoleDirector)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
