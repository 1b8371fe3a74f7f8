package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CredentialRow is the raw, still-encrypted row for a user's stored
// browser credentials.
type CredentialRow struct {
	UserID     string
	Ciphertext []byte
	StaleAfter *time.Time
	UpdatedAt  time.Time
}

// CredentialsDB persists encrypted credential blobs.
type CredentialsDB struct {
	db *sql.DB
}

// NewCredentialsDB builds a CredentialsDB over an open pool.
func NewCredentialsDB(database *Database) *CredentialsDB {
	return &CredentialsDB{db: database.DB()}
}

// Put upserts the ciphertext for a user, never storing the key used to
// produce it.
func (c *CredentialsDB) Put(ctx context.Context, row *CredentialRow) error {
	row.UpdatedAt = time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO x_credentials (user_id, ciphertext, stale_after, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			stale_after = EXCLUDED.stale_after,
			updated_at = EXCLUDED.updated_at
	`, row.UserID, row.Ciphertext, row.StaleAfter, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store credentials for user %s: %w", row.UserID, err)
	}
	return nil
}

// Get retrieves the ciphertext row for a user, or sql.ErrNoRows if the
// user has never stored credentials.
func (c *CredentialsDB) Get(ctx context.Context, userID string) (*CredentialRow, error) {
	row := &CredentialRow{UserID: userID}
	err := c.db.QueryRowContext(ctx, `
		SELECT ciphertext, stale_after, updated_at FROM x_credentials WHERE user_id = $1
	`, userID).Scan(&row.Ciphertext, &row.StaleAfter, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes a user's stored credentials.
func (c *CredentialsDB) Delete(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM x_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credentials for user %s: %w", userID, err)
	}
	return nil
}
