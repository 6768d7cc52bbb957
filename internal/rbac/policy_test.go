package rbac

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

func TestDefaultPolicyLadder(t *testing.T) {
	policy := DefaultPolicy()
	clerk := shared.Actor{ID: 1, Role: shared.RoleClerk}
	manager := shared.Actor{ID: 2, Role: shared.RoleManager}
	director := shared.Actor{ID: 3, Role: shared.RoleDirector}

	require.NoError(t, policy.Authorize(clerk, shared.PermMovementRecord))
	require.Error(t, policy.Authorize(clerk, shared.PermCountCreate))
	require.NoError(t, policy.Authorize(manager, shared.PermCountCreate))
	require.NoError(t, policy.Authorize(manager, shared.PermMovementRecord))

	err := policy.Authorize(manager, shared.PermCountValidate)
	require.Error(t, err)
	require.True(t, errors.Is(err, shared.ErrPermission))
	var permErr *shared.PermissionError
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, shared.PermCountValidate, permErr.Permission)

	require.NoError(t, policy.Authorize(director, shared.PermCountValidate))
	require.NoError(t, policy.Authorize(director, shared.PermAlertResolve))
	require.Error(t, policy.Authorize(shared.Actor{ID: 4, Role: "guest"}, shared.PermStockView))
}

func TestMiddlewarePrincipalAndRequireAny(t *testing.T) {
	mw := Middleware{Policy: DefaultPolicy()}
	handler := mw.Principal(mw.RequireAny(shared.PermCountValidate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, int64(9), actor.ID)
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		id     string
		role   string
		status int
	}{
		{name: "missing principal", status: http.StatusUnauthorized},
		{name: "bad id", id: "abc", role: "director", status: http.StatusUnauthorized},
		{name: "unknown role", id: "9", role: "guest", status: http.StatusUnauthorized},
		{name: "manager forbidden", id: "9", role: "manager", status: http.StatusForbidden},
		{name: "director allowed", id: "9", role: "Director", status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.id != "" {
				req.Header.Set(HeaderActorID, tc.id)
				req.Header.Set(HeaderActorRole, tc.role)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestWhoAmIListsRolePermissions(t *testing.T) {
	mw := Middleware{Policy: DefaultPolicy()}
	handler := mw.Principal(http.HandlerFunc(mw.WhoAmI))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderActorID, "5")
	req.Header.Set(HeaderActorRole, "clerk")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActorID     int64    `json:"actor_id"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(5), body.ActorID)
	require.Equal(t, "clerk", body.Role)
	require.Contains(t, body.Permissions, shared.PermMovementRecord)
	require.NotContains(t, body.Permissions, shared.PermCountValidate)
	require.True(t, slices.IsSorted(body.Permissions))
	require.Equal(t, mw.Policy.Permissions(shared.RoleClerk), body.Permissions)

	require.Empty(t, (*Policy)(nil).Permissions(shared.RoleDirector))
}
