package hardening

import (
	"strings"
	"testing"
)

func prodOptions() Options {
	return Options{
		Service:                   "origin-api",
		Environment:               "production",
		SigningKeyProvider:        "aws_kms",
		WebhookEncryptionProvider: "aws_kms",
		BlobEndpoint:              "https://blob.internal:9000",
		BlobAccessKey:             "AKIAORIGIN",
		BlobSecretKey:             "secret-value",
		BlobBucket:                "origin-evidence",
		CORSAllowedOrigins:        "https://console.example.com",
		RequiredServiceSecrets: []EnvRequirement{
			{Name: "API_KEY_SERVER_SECRET", Value: "s3cr3t"},
		},
	}
}

func TestProductionHappyPath(t *testing.T) {
	if err := ValidateStartup(prodOptions()); err != nil {
		t.Fatalf("valid production config rejected: %v", err)
	}
}

func TestLocalSignerForbiddenOutsideDevelopment(t *testing.T) {
	for _, env := range []string{"production", "staging", "test"} {
		o := prodOptions()
		o.Environment = env
		o.SigningKeyProvider = "local"
		err := ValidateStartup(o)
		if err == nil || !strings.Contains(err.Error(), "SIGNING_KEY_PROVIDER") {
			t.Fatalf("env %s: expected local-signer rejection, got %v", env, err)
		}
	}
}

func TestLocalSignerAllowedInDevelopment(t *testing.T) {
	o := Options{Service: "origin-api", Environment: "development", SigningKeyProvider: "local"}
	if err := ValidateStartup(o); err != nil {
		t.Fatalf("local signer must be allowed in development: %v", err)
	}
}

func TestLocalEncryptionNeedsSalt(t *testing.T) {
	o := Options{
		Service:                   "origin-api",
		Environment:               "test",
		WebhookEncryptionProvider: "local",
	}
	err := ValidateStartup(o)
	if err == nil || !strings.Contains(err.Error(), "LOCAL_ENCRYPTION_SALT") {
		t.Fatalf("expected missing-salt rejection, got %v", err)
	}
	o.LocalEncryptionSalt = "per-install-salt"
	if err := ValidateStartup(o); err != nil {
		t.Fatalf("salted local encryption in test env rejected: %v", err)
	}
}

func TestLocalEncryptionForbiddenInProduction(t *testing.T) {
	o := prodOptions()
	o.WebhookEncryptionProvider = "local"
	o.LocalEncryptionSalt = "salt"
	err := ValidateStartup(o)
	if err == nil || !strings.Contains(err.Error(), "WEBHOOK_ENCRYPTION_PROVIDER") {
		t.Fatalf("expected local-encryption rejection, got %v", err)
	}
}

func TestDefaultBlobCredentialsRejected(t *testing.T) {
	o := prodOptions()
	o.BlobAccessKey = "minioadmin"
	o.BlobSecretKey = "minioadmin"
	err := ValidateStartup(o)
	if err == nil || !strings.Contains(err.Error(), "blob") {
		t.Fatalf("expected default-credential rejection, got %v", err)
	}
}

func TestBlobConfigRequiredInProduction(t *testing.T) {
	o := prodOptions()
	o.BlobEndpoint = ""
	if err := ValidateStartup(o); err == nil {
		t.Fatal("missing blob endpoint must fail production startup")
	}
	o = prodOptions()
	o.BlobSecretKey = ""
	if err := ValidateStartup(o); err == nil {
		t.Fatal("missing blob secret must fail production startup")
	}
}

func TestCORSRules(t *testing.T) {
	cases := []struct {
		origins string
		wantErr bool
	}{
		{"https://console.example.com", false},
		{"https://a.example.com, https://b.example.com", false},
		{"*", true},
		{"http://console.example.com", true},
		{"https://localhost:3000", true},
		{"", true},
	}
	for _, tc := range cases {
		o := prodOptions()
		o.CORSAllowedOrigins = tc.origins
		err := ValidateStartup(o)
		if tc.wantErr && err == nil {
			t.Fatalf("origins %q: expected rejection", tc.origins)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("origins %q: unexpected error %v", tc.origins, err)
		}
	}
}

func TestRequiredSecrets(t *testing.T) {
	o := prodOptions()
	o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, EnvRequirement{Name: "MISSING_SECRET", Value: ""})
	err := ValidateStartup(o)
	if err == nil || !strings.Contains(err.Error(), "MISSING_SECRET") {
		t.Fatalf("expected missing-secret rejection, got %v", err)
	}
}

func TestSkipCORSCheckForHeadlessProcesses(t *testing.T) {
	o := prodOptions()
	o.CORSAllowedOrigins = ""
	o.SkipCORSCheck = true
	if err := ValidateStartup(o); err != nil {
		t.Fatalf("worker processes skip the CORS check: %v", err)
	}
}

func TestDevelopmentSkipsProductionChecks(t *testing.T) {
	o := Options{Service: "origin-api", Environment: "development"}
	if err := ValidateStartup(o); err != nil {
		t.Fatalf("development config should not hit production checks: %v", err)
	}
}

func TestIsProductionLike(t *testing.T) {
	for _, env := range []string{"prod", "production", "staging", "stage", "STAGING"} {
		if !IsProductionLike(env) {
			t.Fatalf("%q should be production-like", env)
		}
	}
	for _, env := range []string{"development", "dev", "test", ""} {
		if IsProductionLike(env) {
			t.Fatalf("%q should not be production-like", env)
		}
	}
}
