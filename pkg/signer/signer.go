// Package signer is the certificate-signing keystore: sign bytes, publish
// JWKS, support rotation. Two variants exist, Local and KMS, both
// advertising alg=PS256 (RSASSA-PSS, SHA-256, MGF1-SHA-256, salt length
// equal to hash length) — never RS256. The JWK alg field, the certificate
// alg field, and the actual signature construction are always identical.
package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
)

// Alg is the one and only signing algorithm this package ever advertises.
const Alg = "PS256"

// JWK is a single entry in a published key set.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Signer is the capability set every variant implements.
type Signer interface {
	// Sign returns a PS256 signature over data along with the key id used.
	Sign(ctx context.Context, data []byte) (signature []byte, keyID string, err error)
	// PublicJWKS returns every key this signer can verify signatures for,
	// newest-active first.
	PublicJWKS(ctx context.Context) ([]JWK, error)
	// ActiveKeyID returns the key id used for new signatures.
	ActiveKeyID() string
}

func pssOptions() *rsa.PSSOptions {
	return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
}

func signPS256(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions())
}

// VerifyPS256 verifies a PS256 signature against a public key; exported so
// the certificate package and tests can round-trip without a live signer.
func VerifyPS256(pub *rsa.PublicKey, data, signature []byte) error {
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions())
}

func jwkFromPublicKey(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: Alg,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// LocalSigner holds an RSA private key in memory, loaded from (or
// generated into) a PEM file on disk. It can hold multiple retired keys
// for verification while signing only with the active one.
type LocalSigner struct {
	mu        sync.RWMutex
	activeKID string
	keys      map[string]*rsa.PrivateKey // kid -> key, includes retired keys
}

// NewLocalSigner loads the RSA keypair at path, generating and persisting
// a fresh 2048-bit key if none exists yet. kid identifies the loaded key
// in JWKS and certificate metadata.
func NewLocalSigner(path, kid string) (*LocalSigner, error) {
	if kid == "" {
		kid = "local-dev-key-1"
	}
	priv, err := loadOrGenerateKey(path)
	if err != nil {
		return nil, fmt.Errorf("signer: local: %w", err)
	}
	return &LocalSigner{
		activeKID: kid,
		keys:      map[string]*rsa.PrivateKey{kid: priv},
	}, nil
}

func loadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM block found in %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key at %s is not an RSA key", path)
		}
		return rsaKey, nil
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("persist generated key: %w", err)
	}
	return priv, nil
}

func (s *LocalSigner) Sign(_ context.Context, data []byte) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv := s.keys[s.activeKID]
	sig, err := signPS256(priv, data)
	if err != nil {
		return nil, "", fmt.Errorf("signer: local: sign: %w", err)
	}
	return sig, s.activeKID, nil
}

func (s *LocalSigner) PublicJWKS(_ context.Context) ([]JWK, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JWK, 0, len(s.keys))
	out = append(out, jwkFromPublicKey(s.activeKID, &s.keys[s.activeKID].PublicKey))
	for kid, key := range s.keys {
		if kid == s.activeKID {
			continue
		}
		out = append(out, jwkFromPublicKey(kid, &key.PublicKey))
	}
	return out, nil
}

func (s *LocalSigner) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKID
}
