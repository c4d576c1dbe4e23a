// Package auth covers API-key authentication, scope enforcement, and IP
// allowlisting. Lookup is O(1) in the number of keys: a prefix-indexed
// query followed by a constant-time digest compare, with an optional
// legacy bcrypt fallback. The middleware chain carries the resolved
// Principal through the request context in the declared ordering
// auth -> scope -> rate-limit -> ip.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"origin/pkg/apierr"
	"origin/pkg/models"
)

const HeaderAPIKey = "x-api-key"

// Store is the persistence surface auth needs; implemented by pkg/store's
// Postgres-backed repository in production and an in-memory fake in tests.
type Store interface {
	FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error
	FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	// LegacyTenantsByActiveStatus supports the deprecated bcrypt fallback
	// path, active only when LEGACY_APIKEY_FALLBACK=true.
	LegacyTenantsByActiveStatus(ctx context.Context) ([]*models.Tenant, error)
}

// Authenticator resolves an x-api-key header into a Principal.
type Authenticator struct {
	Store                Store
	ServerSecret         []byte
	LegacyBcryptFallback bool
}

// Principal is the authenticated identity threaded through the request
// context, following the WithPrincipal/FromContext idiom this codebase
// already uses elsewhere for request-scoped identity.
type Principal struct {
	TenantID string
	KeyID    string
	Scopes   []models.Scope
}

func (p Principal) HasScope(want models.Scope) bool {
	for _, s := range p.Scopes {
		if s == want {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// ComputeKeyPrefix returns the indexed lookup prefix for a raw API key.
func ComputeKeyPrefix(rawKey string) string {
	if len(rawKey) < 8 {
		return rawKey
	}
	return rawKey[:8]
}

// ComputeKeyDigest returns the hex HMAC-SHA256 digest stored and compared
// in constant time; serverSecret never appears in the digest itself.
func ComputeKeyDigest(serverSecret []byte, rawKey string) string {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves a raw x-api-key value to a Principal. It never
// logs or returns the raw key.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Principal, error) {
	if len(rawKey) < 8 {
		return Principal{}, apierr.Auth("missing_api_key", "missing or malformed x-api-key header")
	}
	prefix := ComputeKeyPrefix(rawKey)
	digest := ComputeKeyDigest(a.ServerSecret, rawKey)

	key, err := a.Store.FindAPIKeyByPrefix(ctx, prefix)
	if err == nil && key != nil && key.IsActive && key.RevokedAt == nil {
		if hmac.Equal([]byte(key.Digest), []byte(digest)) {
			_ = a.Store.TouchAPIKeyLastUsed(ctx, key.ID, time.Now())
			tenant, terr := a.Store.FindTenant(ctx, key.TenantID)
			if terr != nil || tenant == nil {
				return Principal{}, apierr.Auth("invalid_api_key", "invalid or revoked API key")
			}
			if tenant.Status != "active" {
				return Principal{}, apierr.Forbidden("tenant_inactive", "tenant status is %s", tenant.Status)
			}
			return Principal{TenantID: key.TenantID, KeyID: key.ID, Scopes: key.Scopes}, nil
		}
	}

	if a.LegacyBcryptFallback {
		if p, ok := a.legacyLookup(ctx, rawKey); ok {
			return p, nil
		}
	}

	return Principal{}, apierr.Auth("invalid_api_key", "invalid or revoked API key")
}

// legacyLookup implements the deprecated bcrypt fallback path: a full scan
// of active tenants comparing the raw key against each tenant's legacy
// hash. Gated behind LegacyBcryptFallback because it is O(n) in tenant
// count and exists only to support un-migrated keys.
func (a *Authenticator) legacyLookup(ctx context.Context, rawKey string) (Principal, bool) {
	tenants, err := a.Store.LegacyTenantsByActiveStatus(ctx)
	if err != nil {
		return Principal{}, false
	}
	for _, t := range tenants {
		if t.LegacyAPIKeyHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(t.LegacyAPIKeyHash), []byte(rawKey)) == nil {
			return Principal{TenantID: t.ID, Scopes: []models.Scope{
				models.ScopeIngestWrite, models.ScopeEvidenceWrite, models.ScopeEvidenceRead,
				models.ScopeWebhooksWrite, models.ScopeWebhooksRead, models.ScopeCertificatesRead,
			}}, true
		}
	}
	return Principal{}, false
}

// Middleware authenticates every request, rejecting with 401 on failure.
// Public routes must not be wrapped by this middleware at all; they bypass
// auth and scope entirely.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			principal, err := a.Authenticate(r.Context(), rawKey)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(apiErr.Status)
	_, _ = w.Write([]byte(`{"error_code":"` + apiErr.Code + `","message":"` + apiErr.Message + `"}`))
}
