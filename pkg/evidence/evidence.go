// Package evidence is the idempotent, asynchronous artifact
// pipeline that turns a Certificate into a downloadable Evidence Pack.
// Enqueue creates or reuses the persisted row and hands a task to the
// broker; Worker renders each requested format out of band, hashes it, and
// stores it in the blob store; Poll reads the persisted row back — the
// pack's state lives entirely in Postgres, so polling never itself depends
// on the broker being reachable.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"origin/pkg/apierr"
	"origin/pkg/blobstore"
	"origin/pkg/ledger"
	"origin/pkg/models"
	"origin/pkg/statebus"
	"origin/pkg/store"
)

// DeriveTaskID is the deterministic task identity:
// sha256 of "tenant_id|certificate_id|sorted,comma,joined,formats",
// truncated to its first 32 hex characters and prefixed. Two enqueue calls
// for the same (tenant, certificate, formats) always produce the same id,
// which is what makes POST /v1/evidence-packs idempotent at the row level.
func DeriveTaskID(tenantID, certificateID string, formats []string) string {
	sum := sha256.Sum256([]byte(preimage(tenantID, certificateID, formats)))
	return "evidence_pack_" + hex.EncodeToString(sum[:])[:32]
}

func preimage(tenantID, certificateID string, formats []string) string {
	sorted := normalizeFormats(formats)
	return tenantID + "|" + certificateID + "|" + strings.Join(sorted, ",")
}

// RetryTaskID appends a "_retry_{unix_ts}" suffix used to requeue
// a stuck pending row without colliding with its original task_id.
func RetryTaskID(taskID string, unixTS int64) string {
	return fmt.Sprintf("%s_retry_%d", taskID, unixTS)
}

func normalizeFormats(formats []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// taskPayload is what Enqueue puts on the broker and Worker reads back off
// it; it carries everything the render step needs without a second round
// trip to look up the certificate by id.
type taskPayload struct {
	TenantID      string   `json:"tenant_id"`
	CertificateID string   `json:"certificate_id"`
	UploadID      string   `json:"upload_id"`
	TaskID        string   `json:"task_id"`
	Formats       []string `json:"formats"`
}

// Service is the enqueue/poll half; Worker (worker.go) is the
// consumer-side half and shares the same Repo/Ledger/Blobs dependencies.
type Service struct {
	Repo         *store.Repository
	Ledger       *ledger.Service
	Broker       statebus.Producer
	Blobs        blobstore.Store
	SignedURLTTL int // seconds; 0 means blobstore.DefaultPresignTTLSeconds
	Logger       *zap.Logger
}

func (s *Service) signedURLTTL() int {
	if s.SignedURLTTL > 0 {
		return s.SignedURLTTL
	}
	return blobstore.DefaultPresignTTLSeconds
}

// EnqueueResult is the POST /v1/evidence-packs response body. TaskState is
// the deprecated mirror of TaskStatus kept for older consumers — the two
// fields are always equal, never substituted with task_id.
type EnqueueResult struct {
	Status            string `json:"status"`
	TaskID            string `json:"task_id"`
	TaskStatus        string `json:"task_status"`
	TaskState         string `json:"task_state"`
	PipelineEvent     string `json:"pipeline_event"`
	PollURL           string `json:"poll_url"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
}

func resultFromPack(ep models.EvidencePack) EnqueueResult {
	return EnqueueResult{
		Status:        string(ep.Status),
		TaskID:        ep.TaskID,
		TaskStatus:    string(ep.TaskStatus),
		TaskState:     string(ep.TaskStatus),
		PipelineEvent: string(ep.PipelineEvent),
		PollURL:       "/v1/evidence-packs/" + ep.CertificateID,
		ErrorCode:     ep.ErrorCode,
	}
}

// Enqueue validates certificate ownership, creates or reuses the
// EvidencePack row keyed by the deterministic task_id, and attempts to hand
// the render task to the broker. A broker-connectivity failure is returned
// as apierr.TransientInfra (BROKER_UNAVAILABLE, 503, Retry-After: 30)
// without ever moving the row out of pending.
func (s *Service) Enqueue(ctx context.Context, tenantID, certificateID string, formats []string, now time.Time) (EnqueueResult, error) {
	cert, err := s.Repo.GetCertificate(ctx, tenantID, certificateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EnqueueResult{}, apierr.NotFound("certificate_not_found", "certificate %s not found", certificateID)
		}
		return EnqueueResult{}, fmt.Errorf("evidence: lookup certificate: %w", err)
	}

	normalized := normalizeFormats(formats)
	if len(normalized) == 0 {
		return EnqueueResult{}, apierr.Validation("missing_formats", "at least one artifact format is required")
	}
	for _, f := range normalized {
		if _, ok := renderers[f]; !ok {
			return EnqueueResult{}, apierr.Validation("unsupported_format", "unsupported artifact format %q", f)
		}
	}
	taskID := DeriveTaskID(tenantID, certificateID, normalized)

	ep, _, err := s.Repo.CreateEvidencePackIfAbsent(ctx, models.EvidencePack{
		CertificateID:    certificateID,
		TenantID:         tenantID,
		Status:           models.EvidencePackPending,
		FormatsRequested: normalized,
		TaskID:           taskID,
		TaskStatus:       models.TaskPending,
		PipelineEvent:    models.PipelineEnqueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("evidence: create pack: %w", err)
	}

	// Already resolved (ready or a deterministic failure) — nothing left to
	// enqueue; the caller should poll the existing result.
	if ep.Status != models.EvidencePackPending {
		return resultFromPack(*ep), nil
	}

	payload, err := json.Marshal(taskPayload{
		TenantID:      tenantID,
		CertificateID: certificateID,
		UploadID:      cert.UploadID,
		TaskID:        ep.TaskID,
		Formats:       ep.FormatsRequested,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("evidence: marshal task payload: %w", err)
	}

	if err := s.Broker.Enqueue(ctx, ep.TaskID, payload); err != nil {
		if statebus.IsBrokerUnavailable(err) {
			return EnqueueResult{}, apierr.TransientInfra("BROKER_UNAVAILABLE", 30, err, "evidence task broker unreachable")
		}
		return EnqueueResult{}, fmt.Errorf("evidence: enqueue: %w", err)
	}

	result := resultFromPack(*ep)
	result.RetryAfterSeconds = 5
	return result, nil
}

// PollResult is the GET /v1/evidence-packs/{certificate_id} response body.
type PollResult struct {
	Status            string            `json:"status"`
	TaskID            string            `json:"task_id"`
	TaskStatus        string            `json:"task_status"`
	TaskState         string            `json:"task_state"`
	PipelineEvent     string            `json:"pipeline_event"`
	ErrorCode         string            `json:"error_code,omitempty"`
	SignedURLs        map[string]string `json:"signed_urls,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

// Poll returns the persisted EvidencePack's current state, translated into
// an HTTP status: 202 while pending, 200 with
// signed URLs when ready, 200 with error_code when deterministically
// failed (never 500 — a failed render is a terminal, recorded result, not
// an unexpected server error).
func (s *Service) Poll(ctx context.Context, tenantID, certificateID string) (PollResult, int, error) {
	ep, err := s.Repo.GetEvidencePack(ctx, certificateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PollResult{}, 0, apierr.NotFound("evidence_pack_not_found", "no evidence pack for certificate %s", certificateID)
		}
		return PollResult{}, 0, fmt.Errorf("evidence: poll lookup: %w", err)
	}
	if ep.TenantID != tenantID {
		return PollResult{}, 0, apierr.NotFound("evidence_pack_not_found", "no evidence pack for certificate %s", certificateID)
	}

	base := PollResult{
		Status:        string(ep.Status),
		TaskID:        ep.TaskID,
		TaskStatus:    string(ep.TaskStatus),
		TaskState:     string(ep.TaskStatus),
		PipelineEvent: string(ep.PipelineEvent),
		ErrorCode:     ep.ErrorCode,
	}

	switch ep.Status {
	case models.EvidencePackReady:
		urls := make(map[string]string, len(ep.FormatsRequested))
		for _, format := range ep.FormatsRequested {
			key := ep.StorageKeys[format]
			if key == "" {
				continue
			}
			url, err := s.Blobs.Presign(ctx, key, s.signedURLTTL())
			if err != nil {
				return PollResult{}, 0, fmt.Errorf("evidence: presign %s: %w", format, err)
			}
			urls[format] = url
		}
		base.SignedURLs = urls
		return base, 200, nil
	case models.EvidencePackFailed:
		return base, 200, nil
	default:
		base.RetryAfterSeconds = 5
		return base, 202, nil
	}
}

// RequeueStuck finds pending rows whose updated_at is older than cutoff and
// re-enqueues each with a "_retry_{unix_ts}" task_id. A
// broker failure here is logged and left for the next requeue pass rather
// than surfaced to any caller — this runs off a background timer, not a
// request.
func (s *Service) RequeueStuck(ctx context.Context, cutoff time.Time, nowUnix int64) (int, error) {
	stuck, err := s.Repo.FindStuckPending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evidence: find stuck pending: %w", err)
	}
	requeued := 0
	for _, ep := range stuck {
		retryID := RetryTaskID(ep.TaskID, nowUnix)
		cert, err := s.Repo.GetCertificate(ctx, ep.TenantID, ep.CertificateID)
		if err != nil {
			s.logWarn("evidence: requeue: lookup certificate failed", ep.CertificateID, err)
			continue
		}
		payload, err := json.Marshal(taskPayload{
			TenantID:      ep.TenantID,
			CertificateID: ep.CertificateID,
			UploadID:      cert.UploadID,
			TaskID:        retryID,
			Formats:       ep.FormatsRequested,
		})
		if err != nil {
			s.logWarn("evidence: requeue: marshal payload failed", ep.CertificateID, err)
			continue
		}
		if err := s.Broker.Enqueue(ctx, retryID, payload); err != nil {
			s.logWarn("evidence: requeue: broker enqueue failed", ep.CertificateID, err)
			continue
		}
		ep.TaskID = retryID
		ep.TaskStatus = models.TaskPending
		ep.PipelineEvent = models.PipelineStuckRequeued
		if err := s.Repo.UpdateEvidencePack(ctx, ep); err != nil {
			s.logWarn("evidence: requeue: persist failed", ep.CertificateID, err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

func (s *Service) logWarn(msg, certificateID string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn(msg, zap.String("certificate_id", certificateID), zap.Error(err))
}
