package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"origin/pkg/apierr"
	"origin/pkg/auth"
	"origin/pkg/blobstore"
	"origin/pkg/correlation"
	"origin/pkg/encryption"
	"origin/pkg/evidence"
	"origin/pkg/httpx"
	"origin/pkg/inference"
	"origin/pkg/ingest"
	"origin/pkg/ledger"
	"origin/pkg/metrics"
	"origin/pkg/models"
	"origin/pkg/ratelimit"
	"origin/pkg/readiness"
	"origin/pkg/signer"
	"origin/pkg/store"
	"origin/pkg/telemetry"
	"origin/pkg/webhook"
)

const maxRequestBodyBytes = 1 << 20

// Server holds every dependency the HTTP surface consumes, assembled once
// in run().
type Server struct {
	Logger      *zap.Logger
	Repo        *store.Repository
	Auth        *auth.Authenticator
	Ingest      *ingest.Service
	Evidence    *evidence.Service
	Ledger      *ledger.Service
	Signer      signer.Signer
	Inference   *inference.Service
	Encryption  encryption.Provider
	Sender      *webhook.Sender
	Limiter     ratelimit.Limiter
	Metrics     *metrics.Registry
	Ready       *readiness.Checker
	Blobs       blobstore.Store
	IPFailOpen  bool
	Environment string
}

// Routes assembles the middleware pipeline with the declared ordering:
// correlation and telemetry outermost, then auth, then per-route scope,
// then rate limit, then IP allowlist, then the handler. Public routes
// (/health, /ready, /metrics, JWKS) bypass auth and scope entirely.
func (s *Server) Routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(correlation.Middleware)
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("origin-api"))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "origin-api"})
	})
	r.Get("/ready", s.Ready.Handler())
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/v1/keys/jwks.json", s.handleJWKS)

	authed := chi.NewRouter()
	authed.Use(auth.Middleware(s.Auth))

	scoped := func(scope models.Scope) func(http.Handler) http.Handler {
		return auth.RequireScope(scope)
	}
	guard := func(scope models.Scope) chi.Middlewares {
		return chi.Middlewares{
			scoped(scope),
			s.rateLimitMiddleware,
			auth.IPAllowlistMiddleware(s.allowlistFor, s.IPFailOpen, s.Metrics.IncIPAllowlistParseError),
		}
	}

	authed.With(guard(models.ScopeIngestWrite)...).Post("/v1/ingest", s.handleIngest)
	authed.With(guard(models.ScopeEvidenceWrite)...).Post("/v1/evidence-packs", s.handleEvidenceEnqueue)
	authed.With(guard(models.ScopeEvidenceRead)...).Get("/v1/evidence-packs/{certificate_id}", s.handleEvidencePoll)
	authed.With(guard(models.ScopeEvidenceRead)...).Get("/v1/evidence-packs/{certificate_id}/download/{format}", s.handleEvidenceDownload)
	authed.With(guard(models.ScopeCertificatesRead)...).Get("/v1/certificates/{certificate_id}", s.handleGetCertificate)
	authed.With(guard(models.ScopeCertificatesRead)...).Get("/v1/models/status", s.handleModelStatus)
	authed.With(guard(models.ScopeWebhooksWrite)...).Post("/v1/webhooks", s.handleCreateWebhook)
	authed.With(guard(models.ScopeWebhooksWrite)...).Post("/v1/webhooks/test", s.handleTestWebhook)
	authed.With(guard(models.ScopeWebhooksRead)...).Get("/v1/webhooks/{webhook_id}/deliveries", s.handleListDeliveries)

	authed.With(guard(models.ScopeAdmin)...).Post("/admin/tenants", s.handleCreateTenant)
	authed.With(guard(models.ScopeAdmin)...).Post("/admin/tenants/{tenant_id}/rotate-api-key", s.handleRotateAPIKey)
	authed.With(guard(models.ScopeAdmin)...).Get("/admin/tenants/{tenant_id}/ledger/verify", s.handleVerifyLedger)
	authed.With(guard(models.ScopeAdmin)...).Get("/admin/metrics", s.Metrics.Handler())

	r.Mount("/", authed)
	return r
}

// --- middleware ------------------------------------------------------------

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		s.Metrics.Observe(r.URL.Path, sw.status, time.Since(start))
		s.Metrics.ObserveLatency(r.Method+" "+routePattern(r), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		cfg := ratelimit.Config{}
		if tenant, err := s.Repo.FindTenant(r.Context(), principal.TenantID); err == nil {
			cfg.RatePerMinute = tenant.RateLimitPerMinute
			cfg.Burst = tenant.RateLimitBurst
		}
		d := s.Limiter.Allow(principal.TenantID, cfg)
		if !d.Allowed {
			s.Metrics.IncRateLimited()
			retryAfter := int(d.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			s.writeError(w, r, apierr.RateLimit("rate_limited", retryAfter, "tenant request rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowlistFor(tenantID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tenant, err := s.Repo.FindTenant(ctx, tenantID)
	if err != nil || tenant == nil {
		return nil
	}
	return tenant.IPAllowlist
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := apierr.As(err); ok {
		withCorr := apiErr.WithCorrelationID(correlation.FromContext(r.Context()))
		if apiErr.Status >= 500 && s.Logger != nil {
			s.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		httpx.WriteAPIError(w, withCorr)
		return
	}
	if s.Logger != nil {
		s.Logger.Error("unexpected error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpx.WriteAPIError(w, apierr.Deterministic("internal_error", err, "unexpected internal error").WithCorrelationID(correlation.FromContext(r.Context())))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	if int64(len(body)) > maxRequestBodyBytes {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

// --- core handlers ---------------------------------------------------------

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req ingest.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, apierr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	idempotencyKey := strings.TrimSpace(r.Header.Get("idempotency-key"))

	respBody, status, err := s.Ingest.Ingest(r.Context(), principal.TenantID, idempotencyKey, body, req, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var parsed ingest.Response
	if json.Unmarshal(respBody, &parsed) == nil && parsed.Decision != "" {
		s.Metrics.IncDecision(parsed.Decision)
		for _, reason := range parsed.ReasonCodes {
			s.Metrics.IncDecisionReason(parsed.Decision, reason)
		}
		s.Metrics.IncLedgerAppend()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (s *Server) handleEvidenceEnqueue(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		CertificateID string `json:"certificate_id"`
		Format        string `json:"format"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, apierr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	if req.CertificateID == "" {
		s.writeError(w, r, apierr.Validation("missing_certificate_id", "certificate_id is required"))
		return
	}
	formats := strings.Split(req.Format, ",")

	result, err := s.Evidence.Enqueue(r.Context(), principal.TenantID, req.CertificateID, formats, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Metrics.IncEvidenceTransition("pending")
	httpx.WriteJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleEvidencePoll(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	certificateID := chi.URLParam(r, "certificate_id")

	result, status, err := s.Evidence.Poll(r.Context(), principal.TenantID, certificateID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status == http.StatusAccepted && result.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	httpx.WriteJSON(w, status, result)
}

func (s *Server) handleEvidenceDownload(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	certificateID := chi.URLParam(r, "certificate_id")
	format := chi.URLParam(r, "format")

	ep, err := s.Repo.GetEvidencePack(r.Context(), certificateID)
	if err != nil || ep.TenantID != principal.TenantID {
		s.writeError(w, r, apierr.NotFound("evidence_pack_not_found", "no evidence pack for certificate %s", certificateID))
		return
	}
	key := ep.StorageKeys[format]
	if ep.Status != models.EvidencePackReady || key == "" {
		s.writeError(w, r, apierr.NotFound("artifact_not_found", "format %s is not available for certificate %s", format, certificateID))
		return
	}
	data, err := s.Blobs.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, apierr.TransientInfra("blob_unavailable", 30, err, "artifact storage is unavailable"))
		return
	}
	w.Header().Set("Content-Type", evidence.ContentTypeForFormat(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	certificateID := chi.URLParam(r, "certificate_id")

	cert, err := s.Repo.GetCertificate(r.Context(), principal.TenantID, certificateID)
	if err != nil {
		s.writeError(w, r, apierr.NotFound("certificate_not_found", "no certificate %s", certificateID))
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"certificate_id":     cert.CertificateID,
		"tenant_id":          cert.TenantID,
		"upload_id":          cert.UploadID,
		"policy_version":     cert.PolicyVersion,
		"inputs_hash":        cert.InputsHash,
		"outputs_hash":       cert.OutputsHash,
		"ledger_hash":        cert.LedgerHash,
		"key_id":             cert.KeyID,
		"alg":                cert.Alg,
		"signature":          cert.Signature,
		"signature_encoding": cert.SignatureEncoding,
		"issued_at":          cert.IssuedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Signer.PublicJWKS(r.Context())
	if err != nil {
		s.writeError(w, r, apierr.TransientInfra("signer_unavailable", 30, err, "signer public keys are unavailable"))
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"keys": keys})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	status := s.Inference.Status()
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"loaded_versions": status.LoadedVersions,
		"file_sha256":     status.FileSHA256,
		"loaded_at":       status.LoadedAt.UTC().Format(time.RFC3339),
	})
}

// --- webhook handlers ------------------------------------------------------

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, apierr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.writeError(w, r, apierr.Validation("invalid_url", "url must be an absolute http(s) URL"))
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"upload.decided"}
	}
	if req.Secret == "" {
		req.Secret = "whsec_" + randomHex(24)
	}

	encResult, err := s.Encryption.Encrypt(r.Context(), []byte(req.Secret), map[string]string{"tenant_id": principal.TenantID})
	if err != nil {
		s.writeError(w, r, apierr.TransientInfra("encryption_unavailable", 30, err, "secret encryption is unavailable"))
		return
	}
	wh := models.Webhook{
		ID:                uuid.NewString(),
		TenantID:          principal.TenantID,
		URL:               req.URL,
		Events:            req.Events,
		SecretCiphertext:  encResult.Ciphertext,
		SecretKeyID:       encResult.KeyID,
		EncryptionContext: encResult.EncryptionContext,
		Enabled:           true,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.Repo.CreateWebhook(r.Context(), wh); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The plaintext secret is returned exactly once, never persisted.
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"id":     wh.ID,
		"url":    wh.URL,
		"events": wh.Events,
		"secret": req.Secret,
	})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		WebhookID string                 `json:"webhook_id"`
		Payload   map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, apierr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	wh, err := s.Repo.GetWebhook(r.Context(), principal.TenantID, req.WebhookID)
	if err != nil {
		s.writeError(w, r, apierr.NotFound("webhook_not_found", "no webhook %s", req.WebhookID))
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{"ping": "pong"}
	}
	status, err := s.Sender.SendTest(r.Context(), *wh, req.Payload)
	if err != nil {
		s.writeError(w, r, apierr.TransientInfra("webhook_unreachable", 30, err, "test delivery could not be sent"))
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"delivered": status >= 200 && status < 300, "response_code": status})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	webhookID := chi.URLParam(r, "webhook_id")

	if _, err := s.Repo.GetWebhook(r.Context(), principal.TenantID, webhookID); err != nil {
		s.writeError(w, r, apierr.NotFound("webhook_not_found", "no webhook %s", webhookID))
		return
	}
	deliveries, err := s.Repo.ListDeliveries(r.Context(), webhookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(deliveries))
	for _, d := range deliveries {
		entry := map[string]interface{}{
			"id":             d.ID,
			"event_id":       d.EventID,
			"event_type":     d.EventType,
			"attempt":        d.Attempt,
			"status":         string(d.Status),
			"response_code":  d.ResponseCode,
			"correlation_id": d.CorrelationID,
			"scheduled_at":   d.ScheduledAt.UTC().Format(time.RFC3339),
		}
		if d.CompletedAt != nil {
			entry["completed_at"] = d.CompletedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"deliveries": out})
}

// --- admin handlers --------------------------------------------------------

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Name               string   `json:"name"`
		IPAllowlist        []string `json:"ip_allowlist"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		RateLimitBurst     int      `json:"rate_limit_burst"`
		Scopes             []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, apierr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, apierr.Validation("missing_name", "name is required"))
		return
	}
	if req.RateLimitPerMinute <= 0 {
		req.RateLimitPerMinute = 600
	}
	if req.RateLimitBurst <= 0 {
		req.RateLimitBurst = 50
	}
	scopes := defaultTenantScopes()
	if len(req.Scopes) > 0 {
		scopes = scopes[:0]
		for _, raw := range req.Scopes {
			scopes = append(scopes, models.Scope(raw))
		}
	}

	now := time.Now().UTC()
	tenant := models.Tenant{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Status:             "active",
		IPAllowlist:        req.IPAllowlist,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitBurst:     req.RateLimitBurst,
		CreatedAt:          now,
	}
	rawKey, key := s.mintAPIKey(tenant.ID, scopes, now)

	err := s.Repo.WithTx(r.Context(), func(tx *store.Repository) error {
		if err := tx.CreateTenant(r.Context(), tenant); err != nil {
			return err
		}
		return tx.CreateAPIKey(r.Context(), key)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// rawKey is returned exactly once and never persisted or logged.
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"tenant_id": tenant.ID,
		"name":      tenant.Name,
		"api_key":   rawKey,
		"scopes":    scopes,
	})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	tenant, err := s.Repo.FindTenant(r.Context(), tenantID)
	if err != nil || tenant == nil {
		s.writeError(w, r, apierr.NotFound("tenant_not_found", "no tenant %s", tenantID))
		return
	}

	now := time.Now().UTC()
	rawKey, key := s.mintAPIKey(tenantID, defaultTenantScopes(), now)

	err = s.Repo.WithTx(r.Context(), func(tx *store.Repository) error {
		if err := tx.RevokeActiveAPIKeys(r.Context(), tenantID, now); err != nil {
			return err
		}
		return tx.CreateAPIKey(r.Context(), key)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"tenant_id": tenantID, "api_key": rawKey})
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	ok, err := s.Ledger.VerifyChain(r.Context(), tenantID)
	if err != nil {
		s.Metrics.IncLedgerVerifyFailure()
		integrity := apierr.Integrity("ledger_integrity_violation", "%s", err.Error())
		httpx.WriteJSON(w, 200, map[string]interface{}{"ok": false, "error": integrity.Message})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"ok": ok})
}

// mintAPIKey generates a fresh raw key and the persistable row derived from
// it (prefix + HMAC digest, never the raw value).
func (s *Server) mintAPIKey(tenantID string, scopes []models.Scope, now time.Time) (string, models.ApiKey) {
	rawKey := "origin_" + randomHex(24)
	return rawKey, models.ApiKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Prefix:    auth.ComputeKeyPrefix(rawKey),
		Digest:    auth.ComputeKeyDigest(s.Auth.ServerSecret, rawKey),
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: now,
	}
}

func defaultTenantScopes() []models.Scope {
	return []models.Scope{
		models.ScopeIngestWrite,
		models.ScopeEvidenceWrite,
		models.ScopeEvidenceRead,
		models.ScopeWebhooksWrite,
		models.ScopeWebhooksRead,
		models.ScopeCertificatesRead,
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
