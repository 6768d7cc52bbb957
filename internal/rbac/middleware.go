package rbac

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/stockwatch/internal/platform/httpx"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Principal headers set by the upstream gateway.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Policy *Policy
	Logger *slog.Logger
}

// Principal resolves the actor from gateway headers and stores it in context.
// Requests without a valid principal are rejected.
func (m Middleware) Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := m.actorFromHeaders(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireAny ensures the current actor has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, perm := range normalized {
				if m.Policy.Allowed(actor, perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// WhoAmI reports the resolved actor and what its role may do. It must run
// behind Principal.
func (m Middleware) WhoAmI(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"actor_id":    actor.ID,
		"role":        actor.Role,
		"permissions": m.Policy.Permissions(actor.Role),
	})
}

func (m Middleware) actorFromHeaders(r *http.Request) (shared.Actor, bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if raw == "" {
		return shared.Actor{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse actor id", slog.String("value", raw))
		}
		return shared.Actor{}, false
	}
	role := shared.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
	if !role.Valid() {
		return shared.Actor{}, false
	}
	return shared.Actor{ID: id, Role: role}, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
