package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	_ "github.com/odyssey-erp/stockwatch/internal/testing/guard"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	c, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func (a apiClient) do(method, path string, role shared.Role, body string) (int, string) {
	a.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(a.t, err)
	if role != "" {
		req.Header.Set("X-Actor-ID", "42")
		req.Header.Set("X-Actor-Role", string(role))
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, string(raw)
}

func TestRouterWorkflow(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)
	store, err := c.Directory.SaveStore(ctx, masterdata.Store{Name: "Harbour", Role: masterdata.StoreSatellite, Active: true})
	require.NoError(t, err)
	product, err := c.Directory.SaveProduct(ctx, masterdata.Product{Name: "Spinach", Unit: masterdata.UnitMass, UnitCost: decimal.NewFromInt(40), Active: true})
	require.NoError(t, err)

	srv := httptest.NewServer(c.Router(nil, nil))
	defer srv.Close()
	api := apiClient{t: t, srv: srv}

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	movement := fmt.Sprintf(`{"store_id":%d,"product_id":%d,"type":"arrival","quantity":30}`, store.ID, product.ID)
	code, _ := api.do(http.MethodPost, "/movements", "", movement)
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := api.do(http.MethodPost, "/movements", shared.RoleClerk, movement)
	require.Equal(t, http.StatusCreated, code, body)

	code, body = api.do(http.MethodGet, fmt.Sprintf("/stock/%d/%d", store.ID, product.ID), shared.RoleClerk, "")
	require.Equal(t, http.StatusOK, code, body)
	var level struct {
		Quantity float64 `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &level))
	require.Equal(t, 30.0, level.Quantity)

	countBody := fmt.Sprintf(`{"store_id":%d}`, store.ID)
	code, _ = api.do(http.MethodPost, "/counts", shared.RoleClerk, countBody)
	require.Equal(t, http.StatusForbidden, code)

	code, body = api.do(http.MethodPost, "/counts", shared.RoleManager, countBody)
	require.Equal(t, http.StatusCreated, code, body)
	var count struct {
		Number string `json:"number"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &count))
	require.True(t, strings.HasPrefix(count.Number, "INV-"), count.Number)

	code, body = api.do(http.MethodGet, fmt.Sprintf("/variance/alerts?store_id=%d", store.ID), shared.RoleClerk, "")
	require.Equal(t, http.StatusOK, code, body)

	code, body = api.do(http.MethodGet, "/jobs/health", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"pending":0`)

	code, body = api.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "stockwatch_http_requests_total")
}

func TestHealthzReportsStorageFailure(t *testing.T) {
	c := newTestContainer(t)
	router := NewRouter(RouterParams{
		Config: c.Config,
		Ping:   func(context.Context) error { return fmt.Errorf("down") },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
