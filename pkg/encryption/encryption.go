// Package encryption covers secrets at rest — in practice, webhook
// signing secrets. The Local variant derives a key from a secret plus a
// per-installation random salt via scrypt; the KMS variant wraps AWS KMS
// Encrypt/Decrypt the same way pkg/signer wraps KMS Sign/GetPublicKey.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Result is what a Provider returns for a plaintext: the ciphertext plus
// the key id (and, for KMS, any additional AAD context) needed to decrypt
// it later without re-deriving anything from configuration alone.
type Result struct {
	Ciphertext        []byte
	KeyID             string
	EncryptionContext map[string]string
}

type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte, encryptionContext map[string]string) (Result, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID string, encryptionContext map[string]string) ([]byte, error)
}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	nonceSize    = 12
)

// LocalProvider derives an AES-256-GCM key from Secret and Salt via
// scrypt. Salt MUST be a per-installation random value supplied via
// configuration, never a fixed constant; NewLocalProvider refuses an
// empty salt.
type LocalProvider struct {
	key []byte
}

func NewLocalProvider(secret, salt []byte) (*LocalProvider, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("encryption: local: salt is required (LOCAL_ENCRYPTION_SALT)")
	}
	key, err := scrypt.Key(secret, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("encryption: local: derive key: %w", err)
	}
	return &LocalProvider{key: key}, nil
}

func (p *LocalProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (p *LocalProvider) Encrypt(_ context.Context, plaintext []byte, encCtx map[string]string) (Result, error) {
	gcm, err := p.gcm()
	if err != nil {
		return Result{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Result{}, fmt.Errorf("encryption: local: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return Result{Ciphertext: sealed, KeyID: "local", EncryptionContext: encCtx}, nil
}

func (p *LocalProvider) Decrypt(_ context.Context, ciphertext []byte, _ string, _ map[string]string) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("encryption: local: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, sealed, nil)
}

// EncodeCiphertext/DecodeCiphertext are convenience helpers for storing
// ciphertext in text columns or JSON payloads (webhook secret_ciphertext).
func EncodeCiphertext(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeCiphertext(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
