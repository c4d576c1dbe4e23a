package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"origin/pkg/models"
)

type identityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Resolver struct {
	DB identityDB
}

// UpsertAccount returns the existing account for (tenantID, externalID), or
// inserts and returns a new one on first sighting.
func (r *Resolver) UpsertAccount(ctx context.Context, tenantID, externalID string) (models.Account, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO accounts (id, tenant_id, external_id, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET external_id = accounts.external_id
		RETURNING id, tenant_id, external_id, created_at
	`, uuid.NewString(), tenantID, externalID)
	var a models.Account
	if err := row.Scan(&a.ID, &a.TenantID, &a.ExternalID, &a.CreatedAt); err != nil {
		return models.Account{}, err
	}
	return a, nil
}

func (r *Resolver) UpsertDevice(ctx context.Context, tenantID, externalID string) (models.Device, error) {
	if externalID == "" {
		return models.Device{}, nil
	}
	row := r.DB.QueryRow(ctx, `
		INSERT INTO devices (id, tenant_id, external_id, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET external_id = devices.external_id
		RETURNING id, tenant_id, external_id, created_at
	`, uuid.NewString(), tenantID, externalID)
	var d models.Device
	if err := row.Scan(&d.ID, &d.TenantID, &d.ExternalID, &d.CreatedAt); err != nil {
		return models.Device{}, err
	}
	return d, nil
}

// PriorSightings aggregates a PVID's upload history within a tenant with a
// single SQL aggregate query.
type PriorSightings struct {
	Count              int
	HasPriorQuarantine bool
	HasPriorReject     bool
	FirstSeenAt        *time.Time
	LastSeenAt         *time.Time
}

func (r *Resolver) PriorSightings(ctx context.Context, tenantID, pvid string) (PriorSightings, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE decision = 'QUARANTINE') > 0,
			count(*) FILTER (WHERE decision = 'REJECT') > 0,
			min(received_at),
			max(received_at)
		FROM uploads
		WHERE tenant_id = $1 AND pvid = $2
	`, tenantID, pvid)
	var ps PriorSightings
	if err := row.Scan(&ps.Count, &ps.HasPriorQuarantine, &ps.HasPriorReject, &ps.FirstSeenAt, &ps.LastSeenAt); err != nil {
		return PriorSightings{}, err
	}
	return ps, nil
}

var ErrAccountNotFound = errors.New("identity: account not found")

// AccountAgeDays reports the feature service's account_age_days input: 0 for
// a first sighting (account created this call), otherwise now minus
// account.created_at truncated to whole days.
func AccountAgeDays(account models.Account, now time.Time) int {
	if account.CreatedAt.IsZero() {
		return 0
	}
	age := now.Sub(account.CreatedAt)
	if age < 0 {
		return 0
	}
	return int(age.Hours() / 24)
}

// IdentityConfidence folds account tenure and prior-sighting history into a
// single [0,1] score the feature vector and policy ladder both read: a
// brand new account with no prior sightings sits near the floor, and
// confidence rises with age and a deeper sighting history, capping out once
// either signal is well established.
func IdentityConfidence(account models.Account, prior PriorSightings, now time.Time) float64 {
	ageDays := AccountAgeDays(account, now)
	ageFactor := float64(ageDays) / 180
	if ageFactor > 1 {
		ageFactor = 1
	}
	sightingFactor := float64(prior.Count) / 5
	if sightingFactor > 1 {
		sightingFactor = 1
	}
	confidence := 0.30 + 0.40*ageFactor + 0.30*sightingFactor
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}
