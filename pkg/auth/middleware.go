package auth

import (
	"net/http"
	"strings"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

// DefaultDevHeader carries the organization id when auth is disabled.
const DefaultDevHeader = "X-Sibyl-Org"

// Middleware resolves the tenant scope for every request. With a
// validator it demands a bearer token; without one it runs in
// development mode and trusts the tenant header. Either way, handlers
// downstream always find a scope on the context.
func Middleware(v *Validator, server config.ServerConfig) func(http.Handler) http.Handler {
	devHeader := server.DevTenantHeader
	if devHeader == "" {
		devHeader = DefaultDevHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				orgID := r.Header.Get(devHeader)
				if orgID == "" {
					unauthorized(w, "missing "+devHeader+" header")
					return
				}
				ctx := tenant.WithScope(r.Context(), tenant.Scope{OrganizationID: orgID, Subject: "dev"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "expected Authorization: Bearer <token>")
				return
			}
			scope, err := v.Validate(r.Context(), raw)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithScope(r.Context(), scope)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","reason":"` + reason + `"}`))
}
