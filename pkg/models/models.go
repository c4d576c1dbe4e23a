// Package models holds ORIGIN's persistent domain types: the entities the
// database owns (tenants, API keys, uploads, ledger events, certificates,
// evidence packs, webhooks, deliveries, idempotency records). Hashing and
// canonicalization live in pkg/canon; these are the shapes that flow
// through it.
package models

import "time"

// Tenant is a long-lived, admin-created governance boundary. IPAllowlist
// holds CIDR or exact-IP strings; an empty list means no IP restriction.
type Tenant struct {
	ID                  string
	Name                string
	Status              string // active, suspended
	IPAllowlist         []string
	IPAllowlistFailOpen *bool // nil means "follow environment default"
	RateLimitPerMinute  int
	RateLimitBurst      int
	PolicyProfileID     string
	CreatedAt           time.Time

	// LegacyAPIKeyHash is a bcrypt hash of a pre-migration API key, consulted
	// only when LEGACY_APIKEY_FALLBACK=true and the prefix+digest lookup
	// misses.
	LegacyAPIKeyHash string
}

// Scope is one of the fixed permission strings an ApiKey may carry.
type Scope string

const (
	ScopeIngestWrite      Scope = "ingest:write"
	ScopeEvidenceWrite    Scope = "evidence:write"
	ScopeEvidenceRead     Scope = "evidence:read"
	ScopeWebhooksWrite    Scope = "webhooks:write"
	ScopeWebhooksRead     Scope = "webhooks:read"
	ScopeCertificatesRead Scope = "certificates:read"
	ScopeAdmin            Scope = "admin"
)

// ApiKey is looked up by Prefix (indexed, O(1)) then verified by comparing
// Digest in constant time. The raw key is never persisted; Prefix and
// Digest are both derived from it at creation time and never recomputed.
type ApiKey struct {
	ID         string
	TenantID   string
	Prefix     string // raw_key[:8]
	Digest     string // hex HMAC-SHA256(server_secret, raw_key)
	Scopes     []Scope
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time

	// LegacyBcryptHash is populated only for keys migrated from the
	// bcrypt-hashed era; consulted solely when LEGACY_APIKEY_FALLBACK=true.
	LegacyBcryptHash string
}

func (k ApiKey) HasScope(want Scope) bool {
	for _, s := range k.Scopes {
		if s == want {
			return true
		}
	}
	return false
}

// Account and Device are the stable identity anchors uploads aggregate
// against; both are upserted by external_id on first sighting.
type Account struct {
	ID         string
	TenantID   string
	ExternalID string
	CreatedAt  time.Time
}

type Device struct {
	ID         string
	TenantID   string
	ExternalID string
	CreatedAt  time.Time
}

// Upload is immutable after creation except for the terminal fields set
// once the decision pipeline completes (Decision, CertificateID,
// LedgerEventID). (tenant_id, external_id) is unique.
type Upload struct {
	ID                 string
	TenantID           string
	ExternalID         string
	AccountExternalID  string
	DeviceExternalID   string
	PVID               string
	ReceivedAt         time.Time
	Metadata           map[string]interface{}
	DecisionInputsJSON []byte // canonical JSON of the features+signals inputs object
	Decision           string // ALLOW, REVIEW, QUARANTINE, REJECT; empty until decided
	RiskScore          *float64
	AssuranceScore     *float64
	CertificateID      string
	LedgerEventID      string
}

// PolicyProfile is an opaque, versioned threshold document. Thresholds are
// data the policy engine reads, never constants baked into its code.
type PolicyProfile struct {
	ID                  string
	TenantID            string // empty means the global default profile
	Name                string
	Version             string
	RiskModelVersion    string
	AnomalyModelVersion string
	ThresholdsJSON      map[string]interface{}
	WeightsJSON         map[string]interface{}
	IsActive            bool
}

// RiskSignals is the per-upload vector of ML outputs, each in [0,1], plus
// the model-version identifiers that fed into the certificate's inputs
// hash and the ledger payload.
type RiskSignals struct {
	UploadID            string
	Risk                float64
	Assurance           float64
	Anomaly             float64
	SyntheticLikelihood float64
	RiskModelVersion    string
	AnomalyModelVersion string
	ComputedAt          time.Time
}

// Features is the per-upload feature vector computed by the feature
// service from persistent aggregate state.
type Features struct {
	AccountAgeDays       int
	UploadVelocity24h    int
	DeviceVelocity24h    int
	PriorQuarantineCount int
	PriorRejectCount     int
	IdentityConfidence   float64
}

// Certificate is the signed, tamper-evident statement of a decision, bound
// to its ledger position via LedgerHash.
type Certificate struct {
	CertificateID     string
	TenantID          string
	UploadID          string
	PolicyVersion     string
	InputsHash        string
	OutputsHash       string
	LedgerHash        string
	KeyID             string
	Alg               string // always "PS256"
	Signature         string // base64url
	SignatureEncoding string // "base64url"
	IssuedAt          time.Time
}

// LedgerEvent is one entry in a tenant's hash-chained, gap-free sequence.
// CanonicalEventJSON is the exact byte sequence hashed to produce EventHash
// and is stored verbatim so the hash can be independently recomputed.
type LedgerEvent struct {
	TenantID           string
	TenantSequence     int64
	EventTimestamp     time.Time
	CanonicalEventJSON []byte
	EventHash          string
	PrevHash           string
}

// ZeroHashSentinel is the prev_hash value for every tenant's first ledger
// event: 64 ASCII zero characters, the hex encoding of 32 zero bytes.
// Never a null or empty value.
const ZeroHashSentinel = "0000000000000000000000000000000000000000000000000000000000000000"

// TenantSequence backs per-tenant row-locked sequence allocation.
type TenantSequence struct {
	TenantID     string
	LastSequence int64
}

// EvidencePackStatus is the pipeline-visible lifecycle of an evidence pack,
// separate from the task-framework state and the pipeline event.
type EvidencePackStatus string

const (
	EvidencePackPending EvidencePackStatus = "pending"
	EvidencePackReady   EvidencePackStatus = "ready"
	EvidencePackFailed  EvidencePackStatus = "failed"
)

// TaskStatus mirrors a closed task-framework lifecycle; never conflated
// with PipelineEvent, a separate tagged variant describing what the
// request handler observed about the task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskStarted TaskStatus = "STARTED"
	TaskRetry   TaskStatus = "RETRY"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
)

type PipelineEvent string

const (
	PipelineEnqueued          PipelineEvent = "ENQUEUED"
	PipelinePolling           PipelineEvent = "POLLING"
	PipelineStuckRequeued     PipelineEvent = "STUCK_REQUEUED"
	PipelineUpdatedFromResult PipelineEvent = "UPDATED_FROM_TASK_RESULT"
)

// EvidencePack tracks one certificate's artifact-generation job.
type EvidencePack struct {
	CertificateID    string
	TenantID         string
	Status           EvidencePackStatus
	FormatsRequested []string
	StorageKeys      map[string]string // format -> blob key
	ArtifactHashes   map[string]string // format -> sha256 hex
	ArtifactSizes    map[string]int64  // format -> byte length
	TaskID           string
	TaskStatus       TaskStatus
	PipelineEvent    PipelineEvent
	ErrorCode        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Ready reports whether every requested format has both a storage key and
// an artifact hash, which status=ready is defined as.
func (p EvidencePack) Ready() bool {
	if p.Status != EvidencePackReady {
		return false
	}
	for _, f := range p.FormatsRequested {
		if p.StorageKeys[f] == "" || p.ArtifactHashes[f] == "" {
			return false
		}
	}
	return true
}

// Webhook is a tenant-owned delivery target; Secret is encrypted at rest
// via the encryption provider and never held in plaintext in this
// struct outside the dispatch hot path.
type Webhook struct {
	ID                string
	TenantID          string
	URL               string
	Events            []string
	SecretCiphertext  []byte
	SecretKeyID       string
	EncryptionContext map[string]string
	Enabled           bool
	CreatedAt         time.Time
	RotatedAt         time.Time
}

type DeliveryStatus string

const (
	DeliverySuccess      DeliveryStatus = "success"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

// WebhookDelivery is one attempt row; deliveries for the same webhook are
// independent and may complete out of order.
type WebhookDelivery struct {
	ID            string
	WebhookID     string
	EventID       string
	EventType     string
	Attempt       int
	Status        DeliveryStatus
	ResponseCode  int
	ResponseBody  string
	CorrelationID string
	ScheduledAt   time.Time
	CompletedAt   *time.Time
}

// IdempotencyRecord is a first-class table, not an in-process cache:
// (tenant_id, idempotency_key) is unique and maps to the exact response
// bytes originally returned.
type IdempotencyRecord struct {
	TenantID        string
	IdempotencyKey  string
	RequestBodyHash string
	ResponseStatus  int
	ResponseBody    []byte
	CreatedAt       time.Time
}
