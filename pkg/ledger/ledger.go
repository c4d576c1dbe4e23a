// Package ledger is the audit ledger: a SHA-256 hash-chained, per-tenant,
// gap-free audit trail. Append runs under a single transaction that locks
// the tenant's sequence row, extends the chain, and commits; VerifyChain
// walks a tenant's events checking sequence monotonicity, hash linkage, and
// the zero sentinel on the first event.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"origin/pkg/canon"
	"origin/pkg/models"
)

type ledgerTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Service struct {
	DB ledgerTx
}

// canonicalEvent is the exact, fixed field set forming the hash pre-image.
// Field order here doesn't matter for the hash: canon.Marshal sorts keys
// itself.
type canonicalEvent struct {
	TenantID       string                 `json:"tenant_id"`
	TenantSequence int64                  `json:"tenant_sequence"`
	EventTimestamp string                 `json:"event_timestamp"`
	PrevHash       string                 `json:"prev_hash"`
	Payload        map[string]interface{} `json:"payload"`
}

// Append allocates the next tenant_sequence under a row lock, builds the
// canonical event JSON, hashes it, inserts the row, and returns it. The
// caller is expected to run this inside a transaction it also uses for the
// upload/certificate writes in the same request so the whole ingest
// pipeline commits atomically; DB here is that transaction's handle.
func (s *Service) Append(ctx context.Context, tenantID string, payload map[string]interface{}, now time.Time) (models.LedgerEvent, error) {
	seq, err := s.allocateSequence(ctx, tenantID)
	if err != nil {
		return models.LedgerEvent{}, fmt.Errorf("ledger: allocate sequence: %w", err)
	}
	prevHash, err := s.lastEventHash(ctx, tenantID)
	if err != nil {
		return models.LedgerEvent{}, fmt.Errorf("ledger: read last hash: %w", err)
	}

	ce := canonicalEvent{
		TenantID:       tenantID,
		TenantSequence: seq,
		EventTimestamp: now.UTC().Format(time.RFC3339Nano),
		PrevHash:       prevHash,
		Payload:        payload,
	}
	canonicalJSON, err := canon.Marshal(ce)
	if err != nil {
		return models.LedgerEvent{}, fmt.Errorf("ledger: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonicalJSON)
	eventHash := hex.EncodeToString(sum[:])

	if _, err := s.DB.Exec(ctx, `
		INSERT INTO ledger_events (tenant_id, tenant_sequence, event_timestamp, canonical_event_json, event_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tenantID, seq, now.UTC(), canonicalJSON, eventHash, prevHash); err != nil {
		return models.LedgerEvent{}, fmt.Errorf("ledger: insert event: %w", err)
	}

	return models.LedgerEvent{
		TenantID:           tenantID,
		TenantSequence:     seq,
		EventTimestamp:     now.UTC(),
		CanonicalEventJSON: canonicalJSON,
		EventHash:          eventHash,
		PrevHash:           prevHash,
	}, nil
}

func (s *Service) allocateSequence(ctx context.Context, tenantID string) (int64, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO tenant_sequences (tenant_id, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET last_sequence = tenant_sequences.last_sequence + 1
		RETURNING last_sequence
	`, tenantID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Service) lastEventHash(ctx context.Context, tenantID string) (string, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT event_hash FROM ledger_events
		WHERE tenant_id = $1
		ORDER BY tenant_sequence DESC
		LIMIT 1
	`, tenantID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == pgx.ErrNoRows {
			return models.ZeroHashSentinel, nil
		}
		return "", err
	}
	return hash, nil
}

// EventByHash looks up the single ledger event a certificate is bound to,
// for the evidence pipeline to render alongside the certificate and
// upload it documents.
func (s *Service) EventByHash(ctx context.Context, tenantID, eventHash string) (models.LedgerEvent, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, tenant_sequence, event_timestamp, canonical_event_json, event_hash, prev_hash
		FROM ledger_events
		WHERE tenant_id = $1 AND event_hash = $2
	`, tenantID, eventHash)
	var ev models.LedgerEvent
	if err := row.Scan(&ev.TenantID, &ev.TenantSequence, &ev.EventTimestamp, &ev.CanonicalEventJSON, &ev.EventHash, &ev.PrevHash); err != nil {
		return models.LedgerEvent{}, err
	}
	return ev, nil
}

// VerifyChain is the offline integrity check: strictly monotone sequence
// starting at 1, every event_hash reproducible from its stored canonical
// bytes, every prev_hash matching the prior event's event_hash, and the
// first event's prev_hash equal to the zero sentinel.
func (s *Service) VerifyChain(ctx context.Context, tenantID string) (bool, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT tenant_sequence, canonical_event_json, event_hash, prev_hash
		FROM ledger_events
		WHERE tenant_id = $1
		ORDER BY tenant_sequence ASC
	`, tenantID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	expectedSeq := int64(1)
	prevHash := models.ZeroHashSentinel
	for rows.Next() {
		var seq int64
		var canonicalJSON []byte
		var eventHash, storedPrevHash string
		if err := rows.Scan(&seq, &canonicalJSON, &eventHash, &storedPrevHash); err != nil {
			return false, err
		}
		if seq != expectedSeq {
			return false, fmt.Errorf("ledger: sequence mismatch: expected %d, got %d", expectedSeq, seq)
		}
		if storedPrevHash != prevHash {
			return false, fmt.Errorf("ledger: prev_hash mismatch at sequence %d", seq)
		}
		sum := sha256.Sum256(canonicalJSON)
		computed := hex.EncodeToString(sum[:])
		if computed != eventHash {
			return false, fmt.Errorf("ledger: event_hash mismatch at sequence %d", seq)
		}
		prevHash = eventHash
		expectedSeq++
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return true, nil
}
