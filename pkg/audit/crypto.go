package audit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/careflow/careflow/pkg/capabilities"
)

// Encryptor seals audit payloads before they reach persistence.
type Encryptor interface {
	Encrypt(ctx context.Context, clinicID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, clinicID string, ciphertext []byte) ([]byte, error)
}

// AESEncryptor seals payloads with AES-GCM under a per-clinic key. The nonce
// is prepended to the ciphertext.
type AESEncryptor struct {
	keys capabilities.KeySource
}

func NewAESEncryptor(keys capabilities.KeySource) *AESEncryptor {
	return &AESEncryptor{keys: keys}
}

func (e *AESEncryptor) Encrypt(ctx context.Context, clinicID string, plaintext []byte) ([]byte, error) {
	gcm, err := e.cipher(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ctx context.Context, clinicID string, ciphertext []byte) ([]byte, error) {
	gcm, err := e.cipher(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return plaintext, nil
}

func (e *AESEncryptor) cipher(ctx context.Context, clinicID string) (cipher.AEAD, error) {
	key, err := e.keys.Key(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// StaticKeySource serves one key for every clinic. Suitable for development
// and tests only.
type StaticKeySource struct {
	key []byte
}

func NewStaticKeySource(key []byte) *StaticKeySource {
	return &StaticKeySource{key: key}
}

func (s *StaticKeySource) Key(_ context.Context, _ string) ([]byte, error) {
	return s.key, nil
}

// NoopEncryptor passes payloads through unchanged, for deployments that handle
// encryption at the storage layer.
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NoopEncryptor) Decrypt(_ context.Context, _ string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
