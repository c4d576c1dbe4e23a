// Package store's Repository is the Postgres-backed persistence surface
// every domain package's narrow Store interface (auth.Store, and the
// ingest/evidence/webhook packages' equivalents) is implemented against.
// It follows the same narrow-DB-interface idiom as pkg/ledger (ledgerTx),
// pkg/features (featuresDB), and pkg/identity (identityDB): db is satisfied
// by both *pgxpool.Pool and pgx.Tx, so the exact same Repository value can
// run standalone or be rebound to a single request's transaction via WithTx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"origin/pkg/models"
)

// DB is the narrow query surface Repository needs; *pgxpool.Pool and pgx.Tx
// both satisfy it, so the exact same Repository value can run standalone or
// be rebound to a single request's transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Tx extends DB with the commit/rollback pgx.Tx exposes.
type Tx interface {
	DB
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner is the seam a test double can implement to let WithTx run
// against a fake without a real connection pool: if DB implements it,
// BeginTx takes priority over Pool. Production DB values (*pgxpool.Pool,
// pgx.Tx) don't implement it, so the Pool path below is what real callers
// exercise.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Repository is reused across every ORIGIN persistence concern: tenants,
// API keys, uploads, certificates, evidence packs, webhooks, idempotency.
// Ledger reads/writes stay in pkg/ledger, which takes the same DB handle.
type Repository struct {
	DB   DB
	Pool *pgxpool.Pool // only needed to start new transactions; nil when DB is already a tx
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{DB: pool, Pool: pool}
}

// WithTx runs fn against a Repository bound to a fresh transaction,
// committing on success and rolling back on any error fn returns. The
// ingest pipeline uses this to make the upload/signals/ledger/certificate/
// idempotency write atomic.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if tb, ok := r.DB.(TxBeginner); ok {
		tx, err := tb.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(&Repository{DB: tx}); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("store: commit tx: %w", err)
		}
		return nil
	}
	if r.Pool == nil {
		return fmt.Errorf("store: WithTx called on a repository with no pool (already inside a transaction?)")
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(&Repository{DB: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Ping backs the readiness check's "SELECT 1" probe.
func (r *Repository) Ping(ctx context.Context) error {
	var one int
	return r.DB.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// --- Tenants ---------------------------------------------------------------

func (r *Repository) FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT id, name, status, ip_allowlist, ip_allowlist_fail_open, rate_limit_per_minute,
		       rate_limit_burst, COALESCE(policy_profile_id, ''), legacy_api_key_hash, created_at
		FROM tenants WHERE id = $1
	`, tenantID)
	return scanTenant(row)
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var allowlistRaw []byte
	var failOpen *bool
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &allowlistRaw, &failOpen, &t.RateLimitPerMinute,
		&t.RateLimitBurst, &t.PolicyProfileID, &t.LegacyAPIKeyHash, &t.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(allowlistRaw, &t.IPAllowlist)
	t.IPAllowlistFailOpen = failOpen
	return &t, nil
}

func (r *Repository) LegacyTenantsByActiveStatus(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, status, ip_allowlist, ip_allowlist_fail_open, rate_limit_per_minute,
		       rate_limit_burst, COALESCE(policy_profile_id, ''), legacy_api_key_hash, created_at
		FROM tenants WHERE status = 'active' AND legacy_api_key_hash <> ''
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) CreateTenant(ctx context.Context, t models.Tenant) error {
	allowlist, _ := json.Marshal(t.IPAllowlist)
	if t.Status == "" {
		t.Status = "active"
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO tenants (id, name, status, ip_allowlist, ip_allowlist_fail_open, rate_limit_per_minute, rate_limit_burst, policy_profile_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`, t.ID, t.Name, t.Status, allowlist, t.IPAllowlistFailOpen, t.RateLimitPerMinute, t.RateLimitBurst, t.PolicyProfileID, t.CreatedAt)
	return err
}

// --- API keys ----------------------------------------------------------------

func (r *Repository) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, prefix, digest, scopes, is_active, legacy_bcrypt_hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE prefix = $1 AND is_active = true LIMIT 1
	`, prefix)
	var k models.ApiKey
	var scopesRaw []byte
	if err := row.Scan(&k.ID, &k.TenantID, &k.Prefix, &k.Digest, &scopesRaw, &k.IsActive, &k.LegacyBcryptHash,
		&k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	var scopeStrs []string
	_ = json.Unmarshal(scopesRaw, &scopeStrs)
	for _, s := range scopeStrs {
		k.Scopes = append(k.Scopes, models.Scope(s))
	}
	return &k, nil
}

func (r *Repository) TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	return err
}

func (r *Repository) CreateAPIKey(ctx context.Context, k models.ApiKey) error {
	scopes := make([]string, 0, len(k.Scopes))
	for _, s := range k.Scopes {
		scopes = append(scopes, string(s))
	}
	scopesRaw, _ := json.Marshal(scopes)
	_, err := r.DB.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, prefix, digest, scopes, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
	`, k.ID, k.TenantID, k.Prefix, k.Digest, scopesRaw, k.CreatedAt)
	return err
}

// RevokeActiveAPIKeys implements the rotation half of POST
// /admin/tenants/{id}/rotate-api-key: every currently active key for the
// tenant is revoked before the new one is created.
func (r *Repository) RevokeActiveAPIKeys(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE api_keys SET is_active = false, revoked_at = $2 WHERE tenant_id = $1 AND is_active = true`, tenantID, at)
	return err
}

// --- Idempotency ---------------------------------------------------------

var ErrNotFound = errors.New("store: not found")

func (r *Repository) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT tenant_id, idempotency_key, request_body_hash, response_status, response_body, created_at
		FROM idempotency_records WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	var rec models.IdempotencyRecord
	if err := row.Scan(&rec.TenantID, &rec.IdempotencyKey, &rec.RequestBodyHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) InsertIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, idempotency_key, request_body_hash, response_status, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TenantID, rec.IdempotencyKey, rec.RequestBodyHash, rec.ResponseStatus, rec.ResponseBody, rec.CreatedAt)
	return err
}

// --- Uploads / signals / certificates --------------------------------------

func (r *Repository) InsertUpload(ctx context.Context, u models.Upload) error {
	metadata, _ := json.Marshal(u.Metadata)
	_, err := r.DB.Exec(ctx, `
		INSERT INTO uploads (id, tenant_id, external_id, account_external_id, device_external_id, pvid,
		                      received_at, metadata, decision_inputs_json, decision, risk_score, assurance_score,
		                      certificate_id, ledger_event_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, u.ID, u.TenantID, u.ExternalID, u.AccountExternalID, u.DeviceExternalID, u.PVID, u.ReceivedAt,
		metadata, u.DecisionInputsJSON, u.Decision, u.RiskScore, u.AssuranceScore, u.CertificateID, u.LedgerEventID)
	return err
}

func (r *Repository) GetUploadByExternalID(ctx context.Context, tenantID, externalID string) (*models.Upload, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, external_id, account_external_id, device_external_id, pvid, received_at,
		       metadata, decision_inputs_json, decision, risk_score, assurance_score, certificate_id, ledger_event_id
		FROM uploads WHERE tenant_id = $1 AND external_id = $2
	`, tenantID, externalID)
	var u models.Upload
	var metadata []byte
	if err := row.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.AccountExternalID, &u.DeviceExternalID, &u.PVID,
		&u.ReceivedAt, &metadata, &u.DecisionInputsJSON, &u.Decision, &u.RiskScore, &u.AssuranceScore,
		&u.CertificateID, &u.LedgerEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(metadata, &u.Metadata)
	return &u, nil
}

// GetUploadByID is the evidence pipeline's lookup: rendering a pack starts
// from the certificate's upload_id, not the external id ingest callers use.
func (r *Repository) GetUploadByID(ctx context.Context, uploadID string) (*models.Upload, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, external_id, account_external_id, device_external_id, pvid, received_at,
		       metadata, decision_inputs_json, decision, risk_score, assurance_score, certificate_id, ledger_event_id
		FROM uploads WHERE id = $1
	`, uploadID)
	var u models.Upload
	var metadata []byte
	if err := row.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.AccountExternalID, &u.DeviceExternalID, &u.PVID,
		&u.ReceivedAt, &metadata, &u.DecisionInputsJSON, &u.Decision, &u.RiskScore, &u.AssuranceScore,
		&u.CertificateID, &u.LedgerEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(metadata, &u.Metadata)
	return &u, nil
}

func (r *Repository) GetRiskSignals(ctx context.Context, uploadID string) (*models.RiskSignals, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT upload_id, risk, assurance, anomaly, synthetic_likelihood, risk_model_version, anomaly_model_version, computed_at
		FROM risk_signals WHERE upload_id = $1
	`, uploadID)
	var s models.RiskSignals
	if err := row.Scan(&s.UploadID, &s.Risk, &s.Assurance, &s.Anomaly, &s.SyntheticLikelihood,
		&s.RiskModelVersion, &s.AnomalyModelVersion, &s.ComputedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repository) InsertRiskSignals(ctx context.Context, s models.RiskSignals) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO risk_signals (upload_id, risk, assurance, anomaly, synthetic_likelihood, risk_model_version, anomaly_model_version, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.UploadID, s.Risk, s.Assurance, s.Anomaly, s.SyntheticLikelihood, s.RiskModelVersion, s.AnomalyModelVersion, s.ComputedAt)
	return err
}

func (r *Repository) InsertCertificate(ctx context.Context, c models.Certificate) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO certificates (certificate_id, tenant_id, upload_id, policy_version, inputs_hash, outputs_hash,
		                           ledger_hash, key_id, alg, signature, signature_encoding, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.CertificateID, c.TenantID, c.UploadID, c.PolicyVersion, c.InputsHash, c.OutputsHash, c.LedgerHash,
		c.KeyID, c.Alg, c.Signature, c.SignatureEncoding, c.IssuedAt)
	return err
}

func (r *Repository) GetCertificate(ctx context.Context, tenantID, certificateID string) (*models.Certificate, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT certificate_id, tenant_id, upload_id, policy_version, inputs_hash, outputs_hash, ledger_hash,
		       key_id, alg, signature, signature_encoding, issued_at
		FROM certificates WHERE tenant_id = $1 AND certificate_id = $2
	`, tenantID, certificateID)
	var c models.Certificate
	if err := row.Scan(&c.CertificateID, &c.TenantID, &c.UploadID, &c.PolicyVersion, &c.InputsHash, &c.OutputsHash,
		&c.LedgerHash, &c.KeyID, &c.Alg, &c.Signature, &c.SignatureEncoding, &c.IssuedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// --- Evidence packs ----------------------------------------------------------

func stringMapJSON(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return b
}

func int64MapJSON(m map[string]int64) []byte {
	if m == nil {
		m = map[string]int64{}
	}
	b, _ := json.Marshal(m)
	return b
}

// CreateEvidencePackIfAbsent inserts a new pending row keyed by
// certificate_id, or returns the existing row untouched if one is already
// present — this is what makes repeated POST /v1/evidence-packs calls with
// the same (tenant, certificate, formats) idempotent at the task_id level.
func (r *Repository) CreateEvidencePackIfAbsent(ctx context.Context, ep models.EvidencePack) (*models.EvidencePack, bool, error) {
	existing, err := r.GetEvidencePack(ctx, ep.CertificateID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	formats, _ := json.Marshal(ep.FormatsRequested)
	_, err = r.DB.Exec(ctx, `
		INSERT INTO evidence_packs (certificate_id, tenant_id, status, formats_requested, storage_keys,
		                             artifact_hashes, artifact_sizes, task_id, task_status, pipeline_event,
		                             error_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, ep.CertificateID, ep.TenantID, ep.Status, formats, stringMapJSON(ep.StorageKeys), stringMapJSON(ep.ArtifactHashes),
		int64MapJSON(ep.ArtifactSizes), ep.TaskID, string(ep.TaskStatus), string(ep.PipelineEvent), ep.ErrorCode, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	return &ep, true, nil
}

func (r *Repository) GetEvidencePack(ctx context.Context, certificateID string) (*models.EvidencePack, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT certificate_id, tenant_id, status, formats_requested, storage_keys, artifact_hashes, artifact_sizes,
		       task_id, COALESCE(task_status, ''), pipeline_event, error_code, created_at, updated_at
		FROM evidence_packs WHERE certificate_id = $1
	`, certificateID)
	return scanEvidencePack(row)
}

func scanEvidencePack(row pgx.Row) (*models.EvidencePack, error) {
	var ep models.EvidencePack
	var formats, storageKeys, hashes, sizes []byte
	var status, taskStatus, pipelineEvent string
	if err := row.Scan(&ep.CertificateID, &ep.TenantID, &status, &formats, &storageKeys, &hashes, &sizes,
		&ep.TaskID, &taskStatus, &pipelineEvent, &ep.ErrorCode, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ep.Status = models.EvidencePackStatus(status)
	if taskStatus != "" {
		ep.TaskStatus = models.TaskStatus(taskStatus)
	}
	ep.PipelineEvent = models.PipelineEvent(pipelineEvent)
	_ = json.Unmarshal(formats, &ep.FormatsRequested)
	_ = json.Unmarshal(storageKeys, &ep.StorageKeys)
	_ = json.Unmarshal(hashes, &ep.ArtifactHashes)
	var sizeInts map[string]int64
	_ = json.Unmarshal(sizes, &sizeInts)
	ep.ArtifactSizes = sizeInts
	return &ep, nil
}

// UpdateEvidencePack persists a worker's terminal or in-flight result: the
// monotone status transition itself (never ready->pending) is enforced by
// the evidence pipeline caller, not by this query.
func (r *Repository) UpdateEvidencePack(ctx context.Context, ep models.EvidencePack) error {
	formats, _ := json.Marshal(ep.FormatsRequested)
	_, err := r.DB.Exec(ctx, `
		UPDATE evidence_packs SET status=$2, formats_requested=$3, storage_keys=$4, artifact_hashes=$5,
		       artifact_sizes=$6, task_id=$7, task_status=$8, pipeline_event=$9, error_code=$10, updated_at=$11
		WHERE certificate_id = $1
	`, ep.CertificateID, ep.Status, formats, stringMapJSON(ep.StorageKeys), stringMapJSON(ep.ArtifactHashes),
		int64MapJSON(ep.ArtifactSizes), ep.TaskID, string(ep.TaskStatus), string(ep.PipelineEvent), ep.ErrorCode, ep.UpdatedAt)
	return err
}

// FindStuckPending returns pending evidence packs whose updated_at is older
// than cutoff, candidates for the STUCK_REQUEUED requeue path.
func (r *Repository) FindStuckPending(ctx context.Context, cutoff time.Time) ([]models.EvidencePack, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT certificate_id, tenant_id, status, formats_requested, storage_keys, artifact_hashes, artifact_sizes,
		       task_id, COALESCE(task_status, ''), pipeline_event, error_code, created_at, updated_at
		FROM evidence_packs WHERE status = 'pending' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EvidencePack
	for rows.Next() {
		ep, err := scanEvidencePack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ep)
	}
	return out, rows.Err()
}

// --- Webhooks ----------------------------------------------------------------

func (r *Repository) CreateWebhook(ctx context.Context, w models.Webhook) error {
	events, _ := json.Marshal(w.Events)
	encCtx, _ := json.Marshal(w.EncryptionContext)
	_, err := r.DB.Exec(ctx, `
		INSERT INTO webhooks (id, tenant_id, url, events, secret_ciphertext, secret_key_id, encryption_context, enabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, w.ID, w.TenantID, w.URL, events, w.SecretCiphertext, w.SecretKeyID, encCtx, w.Enabled, w.CreatedAt)
	return err
}

func (r *Repository) GetWebhook(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, url, events, secret_ciphertext, secret_key_id, encryption_context, enabled, created_at, rotated_at
		FROM webhooks WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanWebhook(row)
}

func scanWebhook(row pgx.Row) (*models.Webhook, error) {
	var w models.Webhook
	var events, encCtx []byte
	var rotatedAt *time.Time
	if err := row.Scan(&w.ID, &w.TenantID, &w.URL, &events, &w.SecretCiphertext, &w.SecretKeyID, &encCtx,
		&w.Enabled, &w.CreatedAt, &rotatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(events, &w.Events)
	_ = json.Unmarshal(encCtx, &w.EncryptionContext)
	if rotatedAt != nil {
		w.RotatedAt = *rotatedAt
	}
	return &w, nil
}

// ListWebhooksForEvent returns every enabled webhook for tenantID subscribed
// to eventType (or to the wildcard "*").
func (r *Repository) ListWebhooksForEvent(ctx context.Context, tenantID, eventType string) ([]models.Webhook, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, tenant_id, url, events, secret_ciphertext, secret_key_id, encryption_context, enabled, created_at, rotated_at
		FROM webhooks WHERE tenant_id = $1 AND enabled = true
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		for _, ev := range w.Events {
			if ev == eventType || ev == "*" {
				out = append(out, *w)
				break
			}
		}
	}
	return out, rows.Err()
}

func (r *Repository) InsertDelivery(ctx context.Context, d models.WebhookDelivery) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, attempt, status, response_code,
		                                 response_body, correlation_id, scheduled_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, d.ID, d.WebhookID, d.EventID, d.EventType, d.Attempt, d.Status, d.ResponseCode, d.ResponseBody,
		d.CorrelationID, d.ScheduledAt, d.CompletedAt)
	return err
}

func (r *Repository) ListDeliveries(ctx context.Context, webhookID string) ([]models.WebhookDelivery, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, webhook_id, event_id, event_type, attempt, status, response_code, response_body,
		       correlation_id, scheduled_at, completed_at
		FROM webhook_deliveries WHERE webhook_id = $1 ORDER BY scheduled_at DESC
	`, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		var status string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Attempt, &status, &d.ResponseCode,
			&d.ResponseBody, &d.CorrelationID, &d.ScheduledAt, &d.CompletedAt); err != nil {
			return nil, err
		}
		d.Status = models.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
