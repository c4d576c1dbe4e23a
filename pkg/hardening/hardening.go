// Package hardening holds ORIGIN's fail-fast startup validation: the checks
// that must refuse to bring the service up at all, before any listener is
// bound, when the configuration is unsafe for the target environment.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service     string
	Environment string

	// SigningKeyProvider is "local" or "aws_kms". Local signing keys are
	// acceptable only in development.
	SigningKeyProvider string

	// WebhookEncryptionProvider is "local" or "aws_kms". The local provider
	// is acceptable only in development and test.
	WebhookEncryptionProvider string
	LocalEncryptionSalt       string

	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string

	// SkipCORSCheck is set by processes that bind no browser-facing
	// surface (the worker); the gateway always validates its origins.
	SkipCORSCheck          bool
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// defaultBlobCredentials are the credentials local object-store containers
// ship with; seeing them outside development means nobody configured real
// ones.
var defaultBlobCredentials = map[string]bool{
	"minioadmin": true,
	"minio":      true,
	"admin":      true,
	"password":   true,
}

// ValidateStartup enforces the environment-sensitive startup rules. The
// local-provider and salt checks apply in every environment class; the
// production-only checks (blob credentials, CORS, required secrets) apply
// only in production/staging.
func ValidateStartup(o Options) error {
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "origin"
	}
	env := environmentClass(o.Environment)

	provider := strings.ToLower(strings.TrimSpace(o.SigningKeyProvider))
	if provider == "local" && env != envDevelopment {
		return fmt.Errorf("%s: SIGNING_KEY_PROVIDER=local is only permitted in development (environment is %q)", service, o.Environment)
	}

	encProvider := strings.ToLower(strings.TrimSpace(o.WebhookEncryptionProvider))
	if encProvider == "local" {
		if env != envDevelopment && env != envTest {
			return fmt.Errorf("%s: WEBHOOK_ENCRYPTION_PROVIDER=local is only permitted in development and test (environment is %q)", service, o.Environment)
		}
		if strings.TrimSpace(o.LocalEncryptionSalt) == "" {
			return fmt.Errorf("%s: LOCAL_ENCRYPTION_SALT is required when the local encryption provider is selected", service)
		}
	}

	if env != envProductionLike {
		return nil
	}

	if strings.TrimSpace(o.BlobEndpoint) == "" || strings.TrimSpace(o.BlobBucket) == "" {
		return fmt.Errorf("%s: BLOB_ENDPOINT and BLOB_BUCKET have no defaults outside development", service)
	}
	if defaultBlobCredentials[strings.ToLower(strings.TrimSpace(o.BlobAccessKey))] ||
		defaultBlobCredentials[strings.ToLower(strings.TrimSpace(o.BlobSecretKey))] {
		return fmt.Errorf("%s: default blob-store credentials are not permitted in production", service)
	}
	if strings.TrimSpace(o.BlobAccessKey) == "" || strings.TrimSpace(o.BlobSecretKey) == "" {
		return fmt.Errorf("%s: BLOB_ACCESS_KEY and BLOB_SECRET_KEY have no defaults outside development", service)
	}

	if !o.SkipCORSCheck {
		if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
			return err
		}
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: production startup requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	origins := strings.Split(raw, ",")
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: production forbids the CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: production requires HTTPS CORS origins, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

type envClass int

const (
	envDevelopment envClass = iota
	envTest
	envProductionLike
)

func environmentClass(raw string) envClass {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return envProductionLike
	case "test":
		return envTest
	default:
		return envDevelopment
	}
}

// IsProductionLike reports whether the environment string names production
// or staging; the IP-allowlist fail-open default keys off this.
func IsProductionLike(raw string) bool {
	return environmentClass(raw) == envProductionLike
}
