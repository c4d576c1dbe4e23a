// Package features computes the per-upload feature vector the policy
// engine and inference service both read, built entirely from aggregate
// queries against persisted upload history so results are reproducible on
// replay.
package features

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"origin/pkg/identity"
	"origin/pkg/models"
)

type featuresDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Service struct {
	DB featuresDB
}

// aggregateRow is what a single SQL statement returns: velocity counts
// scoped to the account and device over the trailing 24 hours, and
// quarantine/reject history scoped to the account or the PVID, whichever
// matches. Both scopes fold into one indexed aggregate query rather than
// one query per dimension.
type aggregateRow struct {
	UploadVelocity24h    int
	DeviceVelocity24h    int
	PriorQuarantineCount int
	PriorRejectCount     int
}

func (s *Service) aggregate(ctx context.Context, tenantID, accountExternalID, deviceExternalID, pvid string, now time.Time) (aggregateRow, error) {
	windowStart := now.Add(-24 * time.Hour)
	row := s.DB.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE u.account_external_id = $2 AND u.received_at >= $5),
			count(*) FILTER (WHERE u.device_external_id = $3 AND u.received_at >= $5),
			count(*) FILTER (WHERE (u.account_external_id = $2 OR u.pvid = $4) AND u.decision = 'QUARANTINE'),
			count(*) FILTER (WHERE (u.account_external_id = $2 OR u.pvid = $4) AND u.decision = 'REJECT')
		FROM uploads u
		WHERE u.tenant_id = $1
	`, tenantID, accountExternalID, deviceExternalID, pvid, windowStart)
	var agg aggregateRow
	if err := row.Scan(&agg.UploadVelocity24h, &agg.DeviceVelocity24h, &agg.PriorQuarantineCount, &agg.PriorRejectCount); err != nil {
		return aggregateRow{}, err
	}
	return agg, nil
}

// Compute is the single entry point: tenant_id, account_external_id, pvid,
// device_id, now → Features. account is the already-resolved identity row
// (see pkg/identity) so account_age_days can be derived without a second
// round trip.
func (s *Service) Compute(ctx context.Context, tenantID string, account models.Account, pvid, deviceExternalID string, identityConfidence float64, now time.Time) (models.Features, error) {
	agg, err := s.aggregate(ctx, tenantID, account.ExternalID, deviceExternalID, pvid, now)
	if err != nil {
		return models.Features{}, err
	}
	return models.Features{
		AccountAgeDays:       identity.AccountAgeDays(account, now),
		UploadVelocity24h:    agg.UploadVelocity24h,
		DeviceVelocity24h:    agg.DeviceVelocity24h,
		PriorQuarantineCount: agg.PriorQuarantineCount,
		PriorRejectCount:     agg.PriorRejectCount,
		IdentityConfidence:   identityConfidence,
	}, nil
}
