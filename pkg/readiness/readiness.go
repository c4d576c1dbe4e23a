// Package readiness backs /ready: it returns 200 only when every
// dependency the decision pipeline touches is actually usable — database,
// schema migrations, cache, blob bucket, and (outside development) the
// signer's public key. Each check reports independently so an operator can
// see which dependency is down from the response body alone.
package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pinger covers the database repository and the shared cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker is the one blobstore operation readiness consumes.
type BucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// MigrationVersioner is satisfied by *migrate.Migrate.
type MigrationVersioner interface {
	Version() (uint, bool, error)
}

// KeyFetcher is the signer surface readiness consumes: obtaining the public
// JWKS proves the key material (local PEM or remote KMS key) is reachable
// and readable.
type KeyFetcher interface {
	PublicKeyAvailable(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Checker aggregates the per-dependency probes. Signer may be nil in
// development, where the signer check is skipped.
type Checker struct {
	DB          Pinger
	Cache       Pinger
	Blobs       BucketChecker
	Migrations  MigrationVersioner
	HeadVersion uint
	Signer      KeyFetcher
	Development bool
}

type CheckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Report struct {
	Ready  bool                   `json:"ready"`
	Checks map[string]CheckResult `json:"checks"`
}

func (c *Checker) Run(ctx context.Context) Report {
	report := Report{Ready: true, Checks: map[string]CheckResult{}}
	record := func(name string, err error) {
		res := CheckResult{OK: err == nil}
		if err != nil {
			res.Error = err.Error()
			report.Ready = false
		}
		report.Checks[name] = res
	}

	record("database", c.checkDB(ctx))
	record("migrations", c.checkMigrations())
	record("cache", c.checkCache(ctx))
	record("blobstore", c.checkBlobs(ctx))
	if !c.Development {
		record("signer", c.checkSigner(ctx))
	}
	return report
}

func (c *Checker) checkDB(ctx context.Context) error {
	if c.DB == nil {
		return fmt.Errorf("database not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.DB.Ping(ctx)
}

func (c *Checker) checkMigrations() error {
	if c.Migrations == nil {
		return fmt.Errorf("migration source not configured")
	}
	version, dirty, err := c.Migrations.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration version %d is dirty", version)
	}
	if version != c.HeadVersion {
		return fmt.Errorf("migration version %d, head is %d", version, c.HeadVersion)
	}
	return nil
}

func (c *Checker) checkCache(ctx context.Context) error {
	if c.Cache == nil {
		return fmt.Errorf("cache not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Cache.Ping(ctx)
}

func (c *Checker) checkBlobs(ctx context.Context) error {
	if c.Blobs == nil {
		return fmt.Errorf("blob store not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	exists, err := c.Blobs.BucketExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist")
	}
	return nil
}

func (c *Checker) checkSigner(ctx context.Context) error {
	if c.Signer == nil {
		return fmt.Errorf("signer not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Signer.PublicKeyAvailable(ctx)
}

// Handler serves GET /ready: 200 with the check map when every probe
// passes, 503 with the same map otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Ready {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// SignerProbe adapts a signer.Signer to KeyFetcher: fetching the JWKS is
// the proof the key is reachable and readable.
type SignerProbe struct {
	JWKS func(ctx context.Context) error
}

func (p SignerProbe) PublicKeyAvailable(ctx context.Context) error {
	if p.JWKS == nil {
		return fmt.Errorf("signer probe not wired")
	}
	return p.JWKS(ctx)
}
