package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/tenant"
)

type testIssuer struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	jwksURL string
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatal(err)
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatal(err)
	}
	keyset := jwk.NewSet()
	if err := keyset.AddKey(pub); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return &testIssuer{key: key, server: server, jwksURL: server.URL + "/.well-known/jwks.json"}
}

func (ti *testIssuer) sign(t *testing.T, claims map[string]any) string {
	t.Helper()

	token := jwt.New()
	defaults := map[string]any{
		jwt.IssuerKey:     "https://issuer.test",
		jwt.AudienceKey:   "sibyl-api",
		jwt.SubjectKey:    "user_1",
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	}
	for k, v := range defaults {
		if err := token.Set(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			t.Fatal(err)
		}
	}

	key, err := jwk.FromRaw(ti.key)
	if err != nil {
		t.Fatal(err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return string(signed)
}

func (ti *testIssuer) validator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), config.AuthConfig{
		Enabled:  true,
		JWKSURL:  ti.jwksURL,
		Issuer:   "https://issuer.test",
		Audience: "sibyl-api",
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidateExtractsScope(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	token := issuer.sign(t, map[string]any{
		"org_id":        "org_acme",
		"project_roles": map[string]any{"proj_1": "member", "proj_2": "admin"},
	})

	scope, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if scope.OrganizationID != "org_acme" || scope.Subject != "user_1" {
		t.Errorf("scope %+v", scope)
	}
	if scope.ProjectRoles["proj_2"] != "admin" {
		t.Errorf("project roles %v", scope.ProjectRoles)
	}
}

func TestValidateRequiresOrgClaim(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	_, err := v.Validate(context.Background(), issuer.sign(t, nil))
	if !errs.IsKind(err, errs.Unauthorized) {
		t.Fatalf("want Unauthorized, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	token := issuer.sign(t, map[string]any{
		"org_id":          "org_acme",
		jwt.ExpirationKey: time.Now().Add(-time.Hour),
	})
	if _, err := v.Validate(context.Background(), token); !errs.IsKind(err, errs.Unauthorized) {
		t.Fatalf("want Unauthorized, got %v", err)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	token := issuer.sign(t, map[string]any{
		"org_id":        "org_acme",
		jwt.AudienceKey: "someone-else",
	})
	if _, err := v.Validate(context.Background(), token); !errs.IsKind(err, errs.Unauthorized) {
		t.Fatalf("want Unauthorized, got %v", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	forger := newTestIssuer(t)
	token := forger.sign(t, map[string]any{"org_id": "org_acme"})
	if _, err := v.Validate(context.Background(), token); !errs.IsKind(err, errs.Unauthorized) {
		t.Fatalf("want Unauthorized, got %v", err)
	}
}

func TestMiddlewareSetsScope(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)
	token := issuer.sign(t, map[string]any{"org_id": "org_acme"})

	var got tenant.Scope
	handler := Middleware(v, config.ServerConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenant.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/search", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if got.OrganizationID != "org_acme" {
		t.Errorf("scope not on context: %+v", got)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	issuer := newTestIssuer(t)
	v := issuer.validator(t)

	handler := Middleware(v, config.ServerConfig{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler must not run")
	}))

	for _, header := range []string{"", "Basic dXNlcg==", "token-without-scheme"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status %d", header, rec.Code)
		}
	}
}

func TestMiddlewareDevMode(t *testing.T) {
	var got tenant.Scope
	handler := Middleware(nil, config.ServerConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenant.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultDevHeader, "org_dev")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got.OrganizationID != "org_dev" {
		t.Fatalf("status %d, scope %+v", rec.Code, got)
	}
	if got.ProjectRoles != nil {
		t.Error("dev mode must not restrict projects")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing dev header: status %d", rec.Code)
	}
}
