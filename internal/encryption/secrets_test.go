package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"behavior-gate/internal/config"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKMS struct {
	calls     int
	plaintext string
	err       error
	keyID     string
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.calls++
	if in.KeyId != nil {
		f.keyID = *in.KeyId
	}
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: []byte(f.plaintext)}, nil
}

func kmsConfig(enabled bool) *config.Config {
	return &config.Config{KMS: config.KMSConfig{Enabled: enabled, KeyID: "alias/behavior-gate"}}
}

func TestResolvePlaintextWithoutCiphertext(t *testing.T) {
	r := NewSecretResolver(kmsConfig(true), &fakeKMS{})
	got, err := r.Resolve(context.Background(), "plain", "")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}

func TestResolveDecryptsWithKMSAndCaches(t *testing.T) {
	f := &fakeKMS{plaintext: "classifier-token"}
	r := NewSecretResolver(kmsConfig(true), f)
	ct := base64.StdEncoding.EncodeToString([]byte("opaque-blob"))

	for i := 0; i < 2; i++ {
		got, err := r.Resolve(context.Background(), "", ct)
		require.NoError(t, err)
		assert.Equal(t, "classifier-token", got)
	}
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "alias/behavior-gate", f.keyID)

	r.ClearCache()
	_, err := r.Resolve(context.Background(), "", ct)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestResolveLocalMode(t *testing.T) {
	r := NewSecretResolver(kmsConfig(false), nil)
	got, err := r.Resolve(context.Background(), "", base64.StdEncoding.EncodeToString([]byte("dev-token")))
	require.NoError(t, err)
	assert.Equal(t, "dev-token", got)
}

func TestResolveErrors(t *testing.T) {
	r := NewSecretResolver(kmsConfig(true), &fakeKMS{err: errors.New("access denied")})

	_, err := r.Resolve(context.Background(), "", "not base64!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = r.Resolve(context.Background(), "", base64.StdEncoding.EncodeToString([]byte("x")))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	noClient := NewSecretResolver(kmsConfig(true), nil)
	_, err = noClient.Resolve(context.Background(), "", base64.StdEncoding.EncodeToString([]byte("x")))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
