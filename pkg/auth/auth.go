// Package auth validates bearer tokens and resolves them into tenant
// scopes. Signing keys come from the identity provider's JWKS endpoint
// and are cached with background refresh, so key rotation needs no
// restart.
//
// When auth is disabled the middleware falls back to a development
// header carrying the organization id directly. That mode has no
// project restrictions and must never face the open internet.
package auth

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

const component = "auth"

// Validator checks token signatures against the provider's JWKS and
// extracts the tenant scope from the claims.
type Validator struct {
	cfg   config.AuthConfig
	cache *jwk.Cache
}

// NewValidator fetches the JWKS once to fail fast on bad configuration,
// then keeps it refreshed in the background until ctx is canceled.
func NewValidator(ctx context.Context, cfg config.AuthConfig) (*Validator, error) {
	const op = "NewValidator"

	cfg.SetDefaults()
	if cfg.JWKSURL == "" {
		return nil, errs.New(errs.ValidationError, component, op, "auth enabled without a jwks_url")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	return &Validator{cfg: cfg, cache: cache}, nil
}

// Validate verifies signature, expiry, issuer, and audience, then maps
// the claims onto a tenant scope. A token without the organization
// claim is rejected: nothing in the core runs untenanted.
func (v *Validator) Validate(ctx context.Context, raw string) (tenant.Scope, error) {
	const op = "Validate"

	keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return tenant.Scope{}, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return tenant.Scope{}, errs.Wrap(errs.Unauthorized, component, op, err)
	}

	scope := tenant.Scope{Subject: token.Subject()}

	if raw, ok := token.Get(v.cfg.OrgClaim); ok {
		scope.OrganizationID, _ = raw.(string)
	}
	if scope.OrganizationID == "" {
		return tenant.Scope{}, errs.Newf(errs.Unauthorized, component, op,
			"token carries no %q claim", v.cfg.OrgClaim)
	}

	if raw, ok := token.Get(v.cfg.ProjectRolesClaim); ok {
		scope.ProjectRoles = projectRoles(raw)
	}

	return scope, nil
}

// projectRoles coerces the loosely-typed claim into project -> role.
// A present but empty map means access to no projects, which is
// distinct from the claim being absent.
func projectRoles(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for project, role := range m {
		if s, sok := role.(string); sok {
			out[project] = s
		}
	}
	return out
}
