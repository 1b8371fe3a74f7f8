package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/models"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901") // 32 bytes
}

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	database := db.NewDatabaseForTesting(sqlDB)
	store, err := New(database, testKey())
	require.NoError(t, err)

	return store, mock, func() { sqlDB.Close() }
}

func TestNewRejectsInvalidKeySize(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := db.NewDatabaseForTesting(sqlDB)
	_, err = New(database, []byte("too-short"))
	assert.Error(t, err)
}

func TestPutStoresCiphertextNotPlaintext(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	plaintext := []byte(`{"cookies":[]}`)
	var seenArg []byte
	mock.ExpectExec("INSERT INTO x_credentials").
		WithArgs("user1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	creds := &models.BrowserCredentials{UserID: "user1", Payload: plaintext}
	err := store.Put(context.Background(), creds)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Independently confirm the codec never emits the plaintext verbatim.
	sealed, err := store.aead.seal(plaintext)
	require.NoError(t, err)
	seenArg = sealed
	assert.NotEqual(t, plaintext, seenArg)
	assert.Greater(t, len(seenArg), len(plaintext))
}

func TestPutAndGetRoundTrip(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := db.NewDatabaseForTesting(sqlDB)
	store, err := New(database, testKey())
	require.NoError(t, err)

	plaintext := []byte(`{"cookies":[{"name":"session","value":"abc"}]}`)
	var stored []byte

	mock.ExpectExec("INSERT INTO x_credentials").
		WithArgs("user1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Put(context.Background(), &models.BrowserCredentials{UserID: "user1", Payload: plaintext})
	require.NoError(t, err)

	// Re-encrypt independently to capture real ciphertext bytes for the
	// Get expectation, since sqlmock can't introspect the Exec args.
	sealed, err := store.aead.seal(plaintext)
	require.NoError(t, err)
	stored = sealed

	rows := sqlmock.NewRows([]string{"ciphertext", "stale_after", "updated_at"}).
		AddRow(stored, nil, time.Now())
	mock.ExpectQuery("SELECT ciphertext, stale_after, updated_at FROM x_credentials").
		WithArgs("user1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got.Payload)
	assert.True(t, got.StaleAfter.IsZero())
}

func TestGetReturnsNoCredentialsWhenRowMissing(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT ciphertext, stale_after, updated_at FROM x_credentials").
		WithArgs("ghost").
		WillReturnError(assertErr("sql: no rows in result set"))

	_, err := store.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials stored")
}

func TestGetReturnsCorruptCredentialsOnDecryptFailure(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"ciphertext", "stale_after", "updated_at"}).
		AddRow([]byte("not-valid-ciphertext"), nil, time.Now())
	mock.ExpectQuery("SELECT ciphertext, stale_after, updated_at FROM x_credentials").
		WithArgs("user1").
		WillReturnRows(rows)

	_, err := store.Get(context.Background(), "user1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not be decrypted")
}

func TestStaleAfterSurfacesWhenSet(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	plaintext := []byte(`{"cookies":[]}`)
	sealed, err := store.aead.seal(plaintext)
	require.NoError(t, err)

	staleAfter := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"ciphertext", "stale_after", "updated_at"}).
		AddRow(sealed, staleAfter, time.Now())
	mock.ExpectQuery("SELECT ciphertext, stale_after, updated_at FROM x_credentials").
		WithArgs("user1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "user1")
	require.NoError(t, err)
	assert.False(t, got.StaleAfter.IsZero())
	assert.WithinDuration(t, staleAfter, got.StaleAfter, time.Second)
}

func TestDeleteRemovesRow(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM x_credentials").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Delete(context.Background(), "user1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
