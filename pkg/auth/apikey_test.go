package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"origin/pkg/models"
)

type fakeStore struct {
	keys    map[string]*models.ApiKey // by prefix
	tenants map[string]*models.Tenant
}

func (f *fakeStore) FindAPIKeyByPrefix(_ context.Context, prefix string) (*models.ApiKey, error) {
	return f.keys[prefix], nil
}

func (f *fakeStore) TouchAPIKeyLastUsed(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeStore) FindTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	return f.tenants[tenantID], nil
}

func (f *fakeStore) LegacyTenantsByActiveStatus(_ context.Context) ([]*models.Tenant, error) {
	var out []*models.Tenant
	for _, t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func TestAuthenticateValidKey(t *testing.T) {
	secret := []byte("server-secret")
	raw := "abcdefgh-raw-key-value"
	prefix := ComputeKeyPrefix(raw)
	digest := ComputeKeyDigest(secret, raw)

	store := &fakeStore{
		keys: map[string]*models.ApiKey{
			prefix: {ID: "key-1", TenantID: "t1", Prefix: prefix, Digest: digest, IsActive: true, Scopes: []models.Scope{models.ScopeIngestWrite}},
		},
		tenants: map[string]*models.Tenant{"t1": {ID: "t1", Status: "active"}},
	}
	a := &Authenticator{Store: store, ServerSecret: secret}

	principal, err := a.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if principal.TenantID != "t1" || !principal.HasScope(models.ScopeIngestWrite) {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestAuthenticateWrongDigestRejected(t *testing.T) {
	secret := []byte("server-secret")
	raw := "abcdefgh-raw-key-value"
	prefix := ComputeKeyPrefix(raw)
	store := &fakeStore{
		keys: map[string]*models.ApiKey{
			prefix: {ID: "key-1", TenantID: "t1", Prefix: prefix, Digest: "wrong-digest", IsActive: true},
		},
		tenants: map[string]*models.Tenant{"t1": {ID: "t1", Status: "active"}},
	}
	a := &Authenticator{Store: store, ServerSecret: secret}

	if _, err := a.Authenticate(context.Background(), raw); err == nil {
		t.Fatal("expected authentication failure for mismatched digest")
	}
}

func TestAuthenticateInactiveTenantForbidden(t *testing.T) {
	secret := []byte("server-secret")
	raw := "abcdefgh-raw-key-value"
	prefix := ComputeKeyPrefix(raw)
	digest := ComputeKeyDigest(secret, raw)
	store := &fakeStore{
		keys: map[string]*models.ApiKey{
			prefix: {ID: "key-1", TenantID: "t1", Prefix: prefix, Digest: digest, IsActive: true},
		},
		tenants: map[string]*models.Tenant{"t1": {ID: "t1", Status: "suspended"}},
	}
	a := &Authenticator{Store: store, ServerSecret: secret}

	if _, err := a.Authenticate(context.Background(), raw); err == nil {
		t.Fatal("expected forbidden error for suspended tenant")
	}
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	a := &Authenticator{Store: &fakeStore{keys: map[string]*models.ApiKey{}, tenants: map[string]*models.Tenant{}}, ServerSecret: []byte("s")}
	h := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/ingest", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIPAllowedCIDRAndExact(t *testing.T) {
	allowlist := []string{"10.0.0.0/8", "203.0.113.5"}
	if allowed, parseErr := IPAllowed("10.1.2.3", allowlist); !allowed || parseErr {
		t.Fatalf("expected 10.1.2.3 allowed by CIDR, got allowed=%v parseErr=%v", allowed, parseErr)
	}
	if allowed, _ := IPAllowed("203.0.113.5", allowlist); !allowed {
		t.Fatal("expected exact match to be allowed")
	}
	if allowed, _ := IPAllowed("8.8.8.8", allowlist); allowed {
		t.Fatal("expected non-matching IP to be denied")
	}
}

func TestIPAllowedParseFailure(t *testing.T) {
	_, parseErr := IPAllowed("not-an-ip", []string{"10.0.0.0/8"})
	if !parseErr {
		t.Fatal("expected parse error reported for unparseable client IP")
	}
}
