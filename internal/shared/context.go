package shared

import "context"

// Role names a staff role.
type Role string

const (
	RoleClerk    Role = "clerk"
	RoleManager  Role = "manager"
	RoleDirector Role = "director"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClerk, RoleManager, RoleDirector:
		return true
	}
	return false
}

// Actor is the principal on whose behalf an operation runs.
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// System is the actor used by scheduled jobs.
var System = Actor{ID: 0, Role: RoleDirector}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
