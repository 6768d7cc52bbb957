package rbac

import (
	"slices"
	"strings"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Policy maps roles to the permissions they grant. It is the single
// authorization check every state-changing operation goes through.
type Policy struct {
	grants map[shared.Role]map[string]struct{}
}

var clerkPermissions = []string{
	shared.PermMovementView,
	shared.PermMovementRecord,
	shared.PermStockView,
	shared.PermAlertView,
	shared.PermTransferView,
	shared.PermTransferReceive,
	shared.PermCountView,
	shared.PermCountRecord,
}

var managerPermissions = append([]string{
	shared.PermLossRateView,
	shared.PermVarianceRun,
	shared.PermTransferCreate,
	shared.PermTransferDispatch,
	shared.PermTransferCancel,
	shared.PermCountCreate,
	shared.PermCountSubmit,
}, clerkPermissions...)

var directorPermissions = append([]string{
	shared.PermAlertResolve,
	shared.PermCountValidate,
	shared.PermCountReject,
}, managerPermissions...)

// DefaultPolicy returns the clerk < manager < director grant ladder.
func DefaultPolicy() *Policy {
	return NewPolicy(map[shared.Role][]string{
		shared.RoleClerk:    clerkPermissions,
		shared.RoleManager:  managerPermissions,
		shared.RoleDirector: directorPermissions,
	})
}

// NewPolicy builds a policy from explicit grants.
func NewPolicy(grants map[shared.Role][]string) *Policy {
	p := &Policy{grants: make(map[shared.Role]map[string]struct{}, len(grants))}
	for role, perms := range grants {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range normalizePermissions(perms) {
			set[perm] = struct{}{}
		}
		p.grants[role] = set
	}
	return p
}

// Permissions lists what a role is granted, sorted.
func (p *Policy) Permissions(role shared.Role) []string {
	if p == nil {
		return []string{}
	}
	set := p.grants[role]
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	slices.Sort(out)
	return out
}

// Allowed reports whether the actor holds perm.
func (p *Policy) Allowed(actor shared.Actor, perm string) bool {
	if p == nil {
		return false
	}
	_, ok := p.grants[actor.Role][strings.ToLower(strings.TrimSpace(perm))]
	return ok
}

// Authorize returns a PermissionError when the actor lacks perm.
func (p *Policy) Authorize(actor shared.Actor, perm string) error {
	if p.Allowed(actor, perm) {
		return nil
	}
	return &shared.PermissionError{ActorID: actor.ID, Role: string(actor.Role), Permission: perm}
}
