package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"behavior-gate/internal/config"
	"behavior-gate/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var ErrDecryptionFailed = errors.New("decryption failed")

// Decrypter is the subset of the KMS client used to unwrap secrets.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver turns configured secrets into plaintext. Ciphertexts are
// base64 KMS blobs; with KMS disabled they are plain base64 so local setups
// need no AWS access.
type SecretResolver struct {
	kms     Decrypter
	enabled bool
	keyID   string
	cache   sync.Map // ciphertext -> plaintext
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewSecretResolver(cfg *config.Config, client Decrypter) *SecretResolver {
	return &SecretResolver{
		kms:     client,
		enabled: cfg.KMS.Enabled,
		keyID:   cfg.KMS.KeyID,
	}
}

// Resolve returns plaintext when no ciphertext is configured, otherwise the
// decrypted ciphertext.
func (r *SecretResolver) Resolve(ctx context.Context, plaintext, ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if ciphertext == "" {
		return plaintext, nil
	}
	if cached, ok := r.cache.Load(ciphertext); ok {
		return cached.(string), nil
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	var secret string
	if r.enabled {
		if r.kms == nil {
			return "", fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
		}
		input := &kms.DecryptInput{CiphertextBlob: blob}
		if r.keyID != "" {
			input.KeyId = aws.String(r.keyID)
		}
		out, err := r.kms.Decrypt(ctx, input)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		secret = string(out.Plaintext)
	} else {
		// Local mode: the "ciphertext" is only base64 encoded.
		secret = string(blob)
	}

	r.cache.Store(ciphertext, secret)
	util.Info("Secret resolved", util.Bool("kms", r.enabled))
	return secret, nil
}

// ClearCache drops resolved secrets from memory.
func (r *SecretResolver) ClearCache() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}
