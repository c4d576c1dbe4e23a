package encryption

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

type kmsCryptoClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSProvider is the production-grade variant, required outside
// development/test (the Local variant is rejected at startup there).
type KMSProvider struct {
	Client kmsCryptoClient
	KeyID  string
}

func (p *KMSProvider) Encrypt(ctx context.Context, plaintext []byte, encCtx map[string]string) (Result, error) {
	out, err := p.Client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(p.KeyID),
		Plaintext:         plaintext,
		EncryptionContext: encCtx,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encryption: kms: encrypt: %w", err)
	}
	return Result{Ciphertext: out.CiphertextBlob, KeyID: aws.ToString(out.KeyId), EncryptionContext: encCtx}, nil
}

func (p *KMSProvider) Decrypt(ctx context.Context, ciphertext []byte, _ string, encCtx map[string]string) ([]byte, error) {
	out, err := p.Client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:      ciphertext,
		KeyId:               aws.String(p.KeyID),
		EncryptionContext:   encCtx,
		EncryptionAlgorithm: types.EncryptionAlgorithmSpecSymmetricDefault,
	})
	if err != nil {
		return nil, fmt.Errorf("encryption: kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}
