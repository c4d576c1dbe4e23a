package signer

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsClient is the subset of the AWS KMS client this package calls,
// narrowed for testability the same way pkg/ledger narrows its DB
// dependency (ledgerTx) to an interface rather than a concrete pgx type.
type kmsClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs via a remote AWS KMS asymmetric key. The key must be an
// RSA key supporting RSASSA_PSS_SHA_256 (ORIGIN's PS256); GetPublicKey
// results are cached for CacheTTL so JWKS serving doesn't call KMS on
// every request.
type KMSSigner struct {
	Client     kmsClient
	KeyID      string
	CacheTTL   time.Duration
	MaxRetries int
	RetryDelay time.Duration

	cachedPub *rsa.PublicKey
	cachedAt  time.Time
}

// NewKMSSigner validates reachability (GetPublicKey) and sign permission (a
// trial Sign) at construction time, so startup fails fast when KMS is
// selected and the key is unreachable or lacks sign permission; both calls
// retry, mirroring vault_keystore.go's GetKey retry-with-backoff loop.
func NewKMSSigner(ctx context.Context, client kmsClient, keyID string) (*KMSSigner, error) {
	s := &KMSSigner{
		Client:     client,
		KeyID:      keyID,
		CacheTTL:   5 * time.Minute,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
	if _, err := s.publicKey(ctx); err != nil {
		return nil, fmt.Errorf("signer: kms: startup check failed: %w", err)
	}
	if _, _, err := s.Sign(ctx, []byte("origin-kms-startup-probe")); err != nil {
		return nil, fmt.Errorf("signer: kms: startup sign check failed: %w", err)
	}
	return s, nil
}

func (s *KMSSigner) publicKey(ctx context.Context) (*rsa.PublicKey, error) {
	if s.cachedPub != nil && time.Since(s.cachedAt) < s.CacheTTL {
		return s.cachedPub, nil
	}
	var lastErr error
	for attempt := 0; attempt < s.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.RetryDelay * time.Duration(attempt))
		}
		out, err := s.Client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.KeyID)})
		if err != nil {
			lastErr = err
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse KMS public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("KMS key %s is not an RSA key", s.KeyID)
		}
		s.cachedPub = rsaPub
		s.cachedAt = time.Now()
		return rsaPub, nil
	}
	return nil, fmt.Errorf("kms GetPublicKey failed after %d attempts: %w", s.MaxRetries, lastErr)
}

func (s *KMSSigner) Sign(ctx context.Context, data []byte) ([]byte, string, error) {
	digest := sha256.Sum256(data)
	var lastErr error
	for attempt := 0; attempt < s.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.RetryDelay * time.Duration(attempt))
		}
		out, err := s.Client.Sign(ctx, &kms.SignInput{
			KeyId:            aws.String(s.KeyID),
			Message:          digest[:],
			MessageType:      types.MessageTypeDigest,
			SigningAlgorithm: types.SigningAlgorithmSpecRsassaPssSha256,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return out.Signature, s.KeyID, nil
	}
	return nil, "", fmt.Errorf("signer: kms: sign failed after %d attempts: %w", s.MaxRetries, lastErr)
}

func (s *KMSSigner) PublicJWKS(ctx context.Context) ([]JWK, error) {
	pub, err := s.publicKey(ctx)
	if err != nil {
		return nil, err
	}
	return []JWK{jwkFromPublicKey(s.KeyID, pub)}, nil
}

func (s *KMSSigner) ActiveKeyID() string { return s.KeyID }
