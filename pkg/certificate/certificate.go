// Package certificate issues the signed, tamper-evident
// statement of a decision. The signed payload covers the ledger_hash the
// certificate is bound to, so a certificate can never be replayed against a
// different ledger position.
package certificate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"origin/pkg/canon"
	"origin/pkg/models"
	"origin/pkg/signer"
)

type Service struct {
	Signer signer.Signer
}

// Inputs is the policy_version/features/signals/model-versions object
// hashed to produce inputs_hash.
type Inputs struct {
	PolicyVersion       string             `json:"policy_version"`
	Features            models.Features    `json:"features"`
	Signals             models.RiskSignals `json:"signals"`
	RiskModelVersion    string             `json:"risk_model_version"`
	AnomalyModelVersion string             `json:"anomaly_model_version"`
}

// Outputs is the decision/reasons object hashed to produce outputs_hash.
type Outputs struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

type signedPayload struct {
	CertificateID string `json:"certificate_id"`
	TenantID      string `json:"tenant_id"`
	UploadID      string `json:"upload_id"`
	PolicyVersion string `json:"policy_version"`
	InputsHash    string `json:"inputs_hash"`
	OutputsHash   string `json:"outputs_hash"`
	LedgerHash    string `json:"ledger_hash"`
	IssuedAt      string `json:"issued_at"`
	Alg           string `json:"alg"`
	KeyID         string `json:"key_id"`
}

// Issue builds the inputs/outputs objects, hashes each to SHA-256 over
// its canonical JSON, signs the fixed payload, and returns the
// fully-populated Certificate.
func (s *Service) Issue(ctx context.Context, tenantID, uploadID string, inputs Inputs, outputs Outputs, ledgerHash string, now time.Time) (models.Certificate, error) {
	inputsHash, err := HashCanonical(inputs)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("certificate: hash inputs: %w", err)
	}
	outputsHash, err := HashCanonical(outputs)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("certificate: hash outputs: %w", err)
	}

	certID := uuid.NewString()
	issuedAt := now.UTC()
	payload := signedPayload{
		CertificateID: certID,
		TenantID:      tenantID,
		UploadID:      uploadID,
		PolicyVersion: inputs.PolicyVersion,
		InputsHash:    inputsHash,
		OutputsHash:   outputsHash,
		LedgerHash:    ledgerHash,
		IssuedAt:      issuedAt.Format(time.RFC3339Nano),
		Alg:           signer.Alg,
	}

	// key_id is part of the signed payload itself, so it must be known
	// before the payload is canonicalized and signed.
	payload.KeyID = s.Signer.ActiveKeyID()
	canonicalPayload, err := canon.Marshal(payload)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("certificate: canonicalize payload: %w", err)
	}
	sig, signedKeyID, err := s.Signer.Sign(ctx, canonicalPayload)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("certificate: sign: %w", err)
	}

	return models.Certificate{
		CertificateID:     certID,
		TenantID:          tenantID,
		UploadID:          uploadID,
		PolicyVersion:     inputs.PolicyVersion,
		InputsHash:        inputsHash,
		OutputsHash:       outputsHash,
		LedgerHash:        ledgerHash,
		KeyID:             signedKeyID,
		Alg:               signer.Alg,
		Signature:         base64.RawURLEncoding.EncodeToString(sig),
		SignatureEncoding: "base64url",
		IssuedAt:          issuedAt,
	}, nil
}

// HashCanonical is the exact hashing step inputs_hash/outputs_hash share;
// the ingest pipeline calls it directly to embed both hashes in a ledger
// payload before the certificate that formally produces them is issued.
func HashCanonical(v interface{}) (string, error) {
	data, err := canon.MarshalAllowFloat(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
