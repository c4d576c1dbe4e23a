// Package ingest is the synchronous per-upload decision
// pipeline. It orchestrates identity resolution, feature computation,
// inference, policy evaluation, certificate issuance, and ledger append
// behind a single idempotent entry point, committing every write the
// request produces in one transaction and enqueueing the resulting webhook
// event only after that transaction commits.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"origin/pkg/apierr"
	"origin/pkg/canon"
	"origin/pkg/certificate"
	"origin/pkg/features"
	"origin/pkg/identity"
	"origin/pkg/inference"
	"origin/pkg/ledger"
	"origin/pkg/models"
	"origin/pkg/policy"
	"origin/pkg/store"
)

// WebhookEnqueuer is the one dependency ingest needs from the webhook
// dispatcher: fire-and-forget notification of a completed decision.
// Defined here, not imported from pkg/webhook, so ingest doesn't need to
// know about delivery, signing, or retry machinery.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, tenantID, eventType string, payload interface{}) error
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, string, string, interface{}) error { return nil }

// Request is the decoded POST /v1/ingest body.
type Request struct {
	AccountExternalID string                 `json:"account_external_id"`
	UploadExternalID  string                 `json:"upload_external_id"`
	DeviceExternalID  string                 `json:"device_external_id,omitempty"`
	ContentRef        string                 `json:"content_ref,omitempty"`
	Fingerprints      map[string]string      `json:"fingerprints,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Response is the exact shape stored verbatim for idempotent replay; two
// calls with the same (tenant_id, idempotency_key) must reproduce these
// bytes unchanged.
type Response struct {
	UploadID       string   `json:"upload_id"`
	ExternalID     string   `json:"external_id"`
	PVID           string   `json:"pvid"`
	Decision       string   `json:"decision"`
	ReasonCodes    []string `json:"reason_codes"`
	PolicyVersion  string   `json:"policy_version"`
	CertificateID  string   `json:"certificate_id"`
	LedgerHash     string   `json:"ledger_hash"`
	RiskScore      float64  `json:"risk_score"`
	AssuranceScore float64  `json:"assurance_score"`
}

// Service wires together every component the decision pipeline consults.
// Identity, Features, and Profiles read against the shared pool; Ledger and
// the upload/certificate/idempotency writes rebind to the per-request
// transaction store.Repository.WithTx opens, so steps 2-9 of the pipeline
// commit as a single unit.
type Service struct {
	Repo         *store.Repository
	Identity     *identity.Resolver
	Features     *features.Service
	Inference    *inference.Service
	Profiles     *policy.ProfileStore
	Certificates *certificate.Service
	Webhooks     WebhookEnqueuer
	Logger       *zap.Logger
}

func (s *Service) webhooks() WebhookEnqueuer {
	if s.Webhooks == nil {
		return noopEnqueuer{}
	}
	return s.Webhooks
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (r Request) validate() error {
	if r.AccountExternalID == "" {
		return apierr.Validation("missing_account_external_id", "account_external_id is required")
	}
	if r.UploadExternalID == "" {
		return apierr.Validation("missing_upload_external_id", "upload_external_id is required")
	}
	return nil
}

// Ingest runs the full decision pipeline and returns the exact response
// bytes and HTTP status the caller should write, whether freshly computed
// or replayed from a prior idempotent call.
func (s *Service) Ingest(ctx context.Context, tenantID, idempotencyKey string, rawBody []byte, req Request, now time.Time) ([]byte, int, error) {
	if err := req.validate(); err != nil {
		return nil, 0, err
	}
	bodyHash := sha256Hex(rawBody)

	if idempotencyKey != "" {
		existing, err := s.Repo.GetIdempotencyRecord(ctx, tenantID, idempotencyKey)
		if err == nil {
			if existing.RequestBodyHash != bodyHash {
				return nil, 0, apierr.Conflict("idempotency_key_conflict", "idempotency key %s was already used with a different request body", idempotencyKey)
			}
			return existing.ResponseBody, existing.ResponseStatus, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, 0, fmt.Errorf("ingest: idempotency lookup: %w", err)
		}
	}

	account, err := s.Identity.UpsertAccount(ctx, tenantID, req.AccountExternalID)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: upsert account: %w", err)
	}
	if req.DeviceExternalID != "" {
		if _, err := s.Identity.UpsertDevice(ctx, tenantID, req.DeviceExternalID); err != nil {
			return nil, 0, fmt.Errorf("ingest: upsert device: %w", err)
		}
	}

	pvid := identity.GeneratePVID(req.ContentRef, req.Fingerprints, req.Metadata)
	prior, err := s.Identity.PriorSightings(ctx, tenantID, pvid)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: prior sightings: %w", err)
	}
	identityConfidence := identity.IdentityConfidence(account, prior, now)

	feats, err := s.Features.Compute(ctx, tenantID, account, pvid, req.DeviceExternalID, identityConfidence, now)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: compute features: %w", err)
	}

	signals := s.Inference.Score(ctx, feats, req.Metadata, now)

	profile, err := s.Profiles.ActiveProfile(ctx, tenantID)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: active profile: %w", err)
	}

	result := policy.Evaluate(profile, feats, signals, prior.HasPriorReject, prior.HasPriorQuarantine)

	uploadID := uuid.NewString()
	inputs := certificate.Inputs{
		PolicyVersion:       result.PolicyVersion,
		Features:            feats,
		Signals:             signals,
		RiskModelVersion:    signals.RiskModelVersion,
		AnomalyModelVersion: signals.AnomalyModelVersion,
	}
	outputs := certificate.Outputs{Decision: result.Decision, Reasons: result.ReasonCodes}
	inputsHash, err := certificate.HashCanonical(inputs)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: hash inputs: %w", err)
	}
	outputsHash, err := certificate.HashCanonical(outputs)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: hash outputs: %w", err)
	}
	decisionInputsJSON, err := canon.MarshalAllowFloat(inputs)
	if err != nil {
		return nil, 0, fmt.Errorf("ingest: marshal decision inputs: %w", err)
	}

	var cert models.Certificate
	var ledgerEvent models.LedgerEvent
	var responseBody []byte

	txErr := s.Repo.WithTx(ctx, func(tx *store.Repository) error {
		ledgerSvc := &ledger.Service{DB: tx.DB}
		ev, err := ledgerSvc.Append(ctx, tenantID, map[string]interface{}{
			"upload_id": uploadID,
			"decision":  result.Decision,
			"model_versions": map[string]interface{}{
				"risk_model_version":    signals.RiskModelVersion,
				"anomaly_model_version": signals.AnomalyModelVersion,
			},
			"inputs_hash":  inputsHash,
			"outputs_hash": outputsHash,
		}, now)
		if err != nil {
			return fmt.Errorf("ledger append: %w", err)
		}
		ledgerEvent = ev

		c, err := s.Certificates.Issue(ctx, tenantID, uploadID, inputs, outputs, ev.EventHash, now)
		if err != nil {
			return fmt.Errorf("certificate issue: %w", err)
		}
		cert = c

		risk := signals.Risk
		assurance := signals.Assurance
		upload := models.Upload{
			ID:                 uploadID,
			TenantID:           tenantID,
			ExternalID:         req.UploadExternalID,
			AccountExternalID:  account.ExternalID,
			DeviceExternalID:   req.DeviceExternalID,
			PVID:               pvid,
			ReceivedAt:         now,
			Metadata:           req.Metadata,
			DecisionInputsJSON: decisionInputsJSON,
			Decision:           result.Decision,
			RiskScore:          &risk,
			AssuranceScore:     &assurance,
			CertificateID:      c.CertificateID,
			LedgerEventID:      fmt.Sprintf("%s:%d", tenantID, ev.TenantSequence),
		}
		if err := tx.InsertUpload(ctx, upload); err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}
		if err := tx.InsertRiskSignals(ctx, models.RiskSignals{
			UploadID:            uploadID,
			Risk:                signals.Risk,
			Assurance:           signals.Assurance,
			Anomaly:             signals.Anomaly,
			SyntheticLikelihood: signals.SyntheticLikelihood,
			RiskModelVersion:    signals.RiskModelVersion,
			AnomalyModelVersion: signals.AnomalyModelVersion,
			ComputedAt:          now,
		}); err != nil {
			return fmt.Errorf("insert risk signals: %w", err)
		}
		if err := tx.InsertCertificate(ctx, c); err != nil {
			return fmt.Errorf("insert certificate: %w", err)
		}

		resp := Response{
			UploadID:       uploadID,
			ExternalID:     req.UploadExternalID,
			PVID:           pvid,
			Decision:       result.Decision,
			ReasonCodes:    result.ReasonCodes,
			PolicyVersion:  result.PolicyVersion,
			CertificateID:  c.CertificateID,
			LedgerHash:     ev.EventHash,
			RiskScore:      signals.Risk,
			AssuranceScore: signals.Assurance,
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		responseBody = body

		if idempotencyKey != "" {
			if err := tx.InsertIdempotencyRecord(ctx, models.IdempotencyRecord{
				TenantID:        tenantID,
				IdempotencyKey:  idempotencyKey,
				RequestBodyHash: bodyHash,
				ResponseStatus:  200,
				ResponseBody:    body,
				CreatedAt:       now,
			}); err != nil {
				return fmt.Errorf("insert idempotency record: %w", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, 0, fmt.Errorf("ingest: %w", txErr)
	}

	if err := s.webhooks().Enqueue(ctx, tenantID, "upload.decided", map[string]interface{}{
		"upload_id":      uploadID,
		"certificate_id": cert.CertificateID,
		"decision":       result.Decision,
		"ledger_hash":    ledgerEvent.EventHash,
	}); err != nil && s.Logger != nil {
		s.Logger.Warn("webhook enqueue failed after commit", zap.String("tenant_id", tenantID), zap.String("upload_id", uploadID), zap.Error(err))
	}

	return responseBody, 200, nil
}
