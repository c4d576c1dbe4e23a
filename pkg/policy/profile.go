package policy

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"origin/pkg/models"
)

type profileDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProfileStore resolves the active policy profile for a tenant, falling
// back to the global default and, failing that, creating one.
type ProfileStore struct {
	DB profileDB
}

func (s *ProfileStore) ActiveProfile(ctx context.Context, tenantID string) (models.PolicyProfile, error) {
	profile, err := s.queryActive(ctx, tenantID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.PolicyProfile{}, err
	}

	profile, err = s.queryActive(ctx, "")
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.PolicyProfile{}, err
	}

	return s.createDefault(ctx)
}

func (s *ProfileStore) queryActive(ctx context.Context, tenantID string) (models.PolicyProfile, error) {
	var row pgx.Row
	if tenantID == "" {
		row = s.DB.QueryRow(ctx, `
			SELECT id, tenant_id, name, version, risk_model_version, anomaly_model_version, thresholds_json, weights_json, is_active
			FROM policy_profiles WHERE tenant_id IS NULL AND is_active = true LIMIT 1
		`)
	} else {
		row = s.DB.QueryRow(ctx, `
			SELECT id, tenant_id, name, version, risk_model_version, anomaly_model_version, thresholds_json, weights_json, is_active
			FROM policy_profiles WHERE tenant_id = $1 AND is_active = true LIMIT 1
		`, tenantID)
	}
	var p models.PolicyProfile
	var tenant *string
	if err := row.Scan(&p.ID, &tenant, &p.Name, &p.Version, &p.RiskModelVersion, &p.AnomalyModelVersion, &p.ThresholdsJSON, &p.WeightsJSON, &p.IsActive); err != nil {
		return models.PolicyProfile{}, err
	}
	if tenant != nil {
		p.TenantID = *tenant
	}
	return p, nil
}

func (s *ProfileStore) createDefault(ctx context.Context) (models.PolicyProfile, error) {
	p := models.PolicyProfile{
		ID:      uuid.NewString(),
		Name:    "default",
		Version: "ORIGIN-CORE-v1.0",
		ThresholdsJSON: map[string]interface{}{
			"risk_threshold_review":     DefaultThresholds.RiskReview,
			"risk_threshold_quarantine": DefaultThresholds.RiskQuarantine,
			"risk_threshold_reject":     DefaultThresholds.RiskReject,
			"assurance_threshold_allow": DefaultThresholds.AssuranceAllow,
		},
		WeightsJSON: map[string]interface{}{},
		IsActive:    true,
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO policy_profiles (id, tenant_id, name, version, thresholds_json, weights_json, is_active)
		VALUES ($1, NULL, $2, $3, $4, $5, true)
		RETURNING id
	`, p.ID, p.Name, p.Version, p.ThresholdsJSON, p.WeightsJSON)
	if err := row.Scan(&p.ID); err != nil {
		return models.PolicyProfile{}, err
	}
	return p, nil
}
