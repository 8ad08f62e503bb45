// Package credentials persists per-user vendor tokens encrypted at rest.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/types"
)

// Store saves, loads and deletes tokens keyed by user and provider.
type Store struct {
	db     storage.Database
	cipher Cipher
}

// New returns a Store that encrypts with c before writing to db.
func New(db storage.Database, c Cipher) *Store {
	return &Store{db: db, cipher: c}
}

// Configured sets up a Store using an AES-GCM key from flags.
func Configured(db storage.Database) *Store {
	key := lflag.String("credentials-encryption-key", "", "32-byte key used to encrypt vendor tokens at rest")

	s := &Store{db: db}

	lflag.Do(func() {
		s.cipher = NewAESGCM(*key)
	})

	return s
}

// Save encrypts token and upserts it for the user and provider.
func (s *Store) Save(ctx context.Context, userID, providerID, token string) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	encrypted, err := s.cipher.Encrypt(ctx, []byte(token))
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	err = s.db.SetCredential(ctx, types.CredentialRecord{
		UserID:     userID,
		ProviderID: providerID,
		CipherText: encrypted,
	})
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Get returns the decrypted token or "" if none is saved. A token that can
// no longer be decrypted, such as after a key rotation, is treated as absent.
func (s *Store) Get(ctx context.Context, userID, providerID string) (string, error) {
	rec, err := s.db.GetCredential(ctx, userID, providerID)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	if len(rec.CipherText) == 0 {
		return "", nil
	}
	plain, err := s.cipher.Decrypt(ctx, rec.CipherText)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to decrypt saved token, treating as not configured",
			slog.String("userID", userID),
			slog.String("providerID", providerID),
			slog.Any("error", err),
		)
		return "", nil
	}
	return string(plain), nil
}

// Delete removes the saved token.
func (s *Store) Delete(ctx context.Context, userID, providerID string) error {
	if err := s.db.DeleteCredential(ctx, userID, providerID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
