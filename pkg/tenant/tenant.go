// Package tenant carries the tenant scope through context.Context.
//
// Every Sibyl operation runs on behalf of exactly one organization. The
// HTTP layer and the CLI resolve the organization from authenticated
// claims or flags and attach it here; adapters call Require and fail fast
// when the scope is missing.
package tenant

import (
	"context"

	"github.com/sibyldev/sibyl/pkg/errs"
)

type contextKey string

const tenantKey contextKey = "sibyl_tenant"

// Scope identifies the caller's organization and optional project grants.
type Scope struct {
	// OrganizationID is the tenant; required on every core operation.
	OrganizationID string

	// Subject is the authenticated principal (user or agent id).
	Subject string

	// ProjectRoles maps project id to the caller's role within it.
	// A nil map means no project restriction was supplied
	// (migration mode: project filtering is skipped).
	ProjectRoles map[string]string
}

// AccessibleProjects returns the set of project ids the scope grants, or
// nil when the scope carries no project restriction.
func (s Scope) AccessibleProjects() map[string]bool {
	if s.ProjectRoles == nil {
		return nil
	}
	out := make(map[string]bool, len(s.ProjectRoles))
	for id := range s.ProjectRoles {
		out[id] = true
	}
	return out
}

// WithScope attaches a tenant scope to the context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, tenantKey, scope)
}

// FromContext extracts the tenant scope, reporting whether one is set.
func FromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(tenantKey).(Scope)
	return scope, ok && scope.OrganizationID != ""
}

// Require extracts the tenant scope or fails with TenantMissing.
func Require(ctx context.Context) (Scope, error) {
	scope, ok := FromContext(ctx)
	if !ok {
		return Scope{}, errs.New(errs.TenantMissing, "tenant", "require", "no tenant scope on context")
	}
	return scope, nil
}

// OrgID is a shorthand returning just the organization id, or an error.
func OrgID(ctx context.Context) (string, error) {
	scope, err := Require(ctx)
	if err != nil {
		return "", err
	}
	return scope.OrganizationID, nil
}
