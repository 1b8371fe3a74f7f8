// Package credentials implements the Credential Store: symmetric
// encryption at rest for opaque browser-credential payloads, with the
// encryption key held only in process memory, never beside the
// ciphertext it produced.
package credentials

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

// Store encrypts and persists BrowserCredentials. Credentials are
// treated as opaque bytes — the Store never parses cookie contents.
type Store struct {
	db   *db.CredentialsDB
	aead *aeadCodec
}

// New builds a Store from a raw 32-byte key (chacha20poly1305.KeySize).
func New(database *db.Database, key []byte) (*Store, error) {
	codec, err := newAEADCodec(key)
	if err != nil {
		return nil, err
	}
	return &Store{db: db.NewCredentialsDB(database), aead: codec}, nil
}

// Put encrypts and upserts a user's credentials.
func (s *Store) Put(ctx context.Context, creds *models.BrowserCredentials) error {
	ciphertext, err := s.aead.seal(creds.Payload)
	if err != nil {
		return errors.InternalServer(fmt.Sprintf("failed to encrypt credentials: %v", err))
	}

	row := &db.CredentialRow{UserID: creds.UserID, Ciphertext: ciphertext}
	if !creds.StaleAfter.IsZero() {
		row.StaleAfter = &creds.StaleAfter
	}
	if err := s.db.Put(ctx, row); err != nil {
		return errors.Database(err)
	}
	logger.Credentials().Info().Str("user_id", creds.UserID).Msg("credentials stored")
	return nil
}

// Get decrypts and returns a user's credentials.
func (s *Store) Get(ctx context.Context, userID string) (*models.BrowserCredentials, error) {
	row, err := s.db.Get(ctx, userID)
	if err != nil {
		return nil, errors.NoCredentials(userID)
	}

	plaintext, err := s.aead.open(row.Ciphertext)
	if err != nil {
		logger.Credentials().Error().Err(err).Str("user_id", userID).Msg("credential decryption failed")
		return nil, errors.CorruptCredentials(userID, err)
	}

	out := &models.BrowserCredentials{UserID: userID, Payload: plaintext, UpdatedAt: row.UpdatedAt}
	if row.StaleAfter != nil {
		out.StaleAfter = *row.StaleAfter
	}
	return out, nil
}

// Delete removes a user's stored credentials.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.db.Delete(ctx, userID); err != nil {
		return errors.Database(err)
	}
	return nil
}

// aeadCodec seals/opens payloads with a random nonce stored alongside
// the ciphertext (nonce || ciphertext), so no extra column is needed.
type aeadCodec struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// SealForTesting encrypts plaintext with the same codec Put uses, so
// tests in other packages can produce a ciphertext row for a Store they
// don't otherwise have access to seal through.
func SealForTesting(key, plaintext []byte) ([]byte, error) {
	codec, err := newAEADCodec(key)
	if err != nil {
		return nil, err
	}
	return codec.seal(plaintext)
}

func newAEADCodec(key []byte) (*aeadCodec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials encryption key: %w", err)
	}
	return &aeadCodec{aead: aead}, nil
}

func (c *aeadCodec) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCodec) open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return c.aead.Open(nil, nonce, sealed, nil)
}
