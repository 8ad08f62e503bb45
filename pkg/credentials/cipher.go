package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/plugwatch/plugwatch/pkg/log"
)

// Cipher protects tokens at rest.
type Cipher interface {
	Encrypt(ctx context.Context, plain []byte) ([]byte, error)
	Decrypt(ctx context.Context, encrypted []byte) ([]byte, error)
}

// AESGCM encrypts with AES-256-GCM. The random nonce is prepended to the
// ciphertext.
type AESGCM struct {
	key string
}

// NewAESGCM returns an AESGCM cipher for the given 32-byte key.
func NewAESGCM(key string) *AESGCM {
	return &AESGCM{key: key}
}

func (a *AESGCM) gcm(ctx context.Context) (cipher.AEAD, error) {
	if a.key == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no encryption key configured")
		return nil, errors.New("no encryption key configured")
	}

	key := []byte(a.key)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// Decrypt opens a value produced by Encrypt.
func (a *AESGCM) Decrypt(ctx context.Context, encrypted []byte) ([]byte, error) {
	gcm, err := a.gcm(ctx)
	if err != nil {
		return nil, err
	}

	if len(encrypted) < gcm.NonceSize() {
		return nil, errors.New("malformed encrypted value")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals plain with a fresh random nonce.
func (a *AESGCM) Encrypt(ctx context.Context, plain []byte) ([]byte, error) {
	gcm, err := a.gcm(ctx)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plain, nil), nil
}
