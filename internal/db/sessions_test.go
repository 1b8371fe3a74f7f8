package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothq/controlplane/internal/models"
)

func sessionRows() []string {
	return []string{"session_id", "user_id", "endpoint", "status", "job_handle", "idle_ttl_seconds", "created_at", "last_touch"}
}

func TestSessionsDB_UpsertInsertsOrUpdates(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	sess := &models.Session{
		SessionID: "sess1", UserID: "user1", Endpoint: "https://example", Status: models.SessionStarting,
		JobHandle: "pod-1", IdleTTL: 4 * time.Hour, CreatedAt: time.Now(), LastTouch: time.Now(),
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.SessionID, sess.UserID, sess.Endpoint, "starting", sess.JobHandle,
			int64(4*time.Hour/time.Second), sess.CreatedAt, sess.LastTouch).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = sessionsDB.Upsert(context.Background(), sess)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionsDB_GetActiveForUserReturnsStartingOrRunning(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	rows := sqlmock.NewRows(sessionRows()).
		AddRow("sess1", "user1", "https://example", "running", "pod-1", int64(14400), time.Now(), time.Now())
	mock.ExpectQuery("SELECT session_id, user_id, COALESCE").
		WithArgs("user1").
		WillReturnRows(rows)

	sess, err := sessionsDB.GetActiveForUser(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Equal(t, 4*time.Hour, sess.IdleTTL)
}

func TestSessionsDB_GetActiveForUserNoneFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	mock.ExpectQuery("SELECT session_id, user_id, COALESCE").
		WithArgs("user1").
		WillReturnError(sql.ErrNoRows)

	_, err = sessionsDB.GetActiveForUser(context.Background(), "user1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSessionsDB_ListForUserReturnsAll(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	rows := sqlmock.NewRows(sessionRows()).
		AddRow("sess1", "user1", "", "stopped", "", int64(14400), time.Now(), time.Now()).
		AddRow("sess2", "user1", "", "running", "pod-2", int64(14400), time.Now(), time.Now())
	mock.ExpectQuery("SELECT session_id, user_id, COALESCE").
		WithArgs("user1").
		WillReturnRows(rows)

	sessions, err := sessionsDB.ListForUser(context.Background(), "user1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSessionsDB_ListRunningOlderThanScansIdleRows(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	cutoff := time.Now().Add(-4 * time.Hour)
	rows := sqlmock.NewRows(sessionRows()).
		AddRow("sess1", "user1", "", "running", "pod-1", int64(14400), time.Now(), time.Now().Add(-5*time.Hour))
	mock.ExpectQuery("SELECT session_id, user_id, COALESCE").
		WithArgs(cutoff).
		WillReturnRows(rows)

	idle, err := sessionsDB.ListRunningOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "sess1", idle[0].SessionID)
}

func TestSessionsDB_UpdateStatusAndTouch(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionsDB := NewSessionsDB(NewDatabaseForTesting(sqlDB))

	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs("sess1", "stopped").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = sessionsDB.UpdateStatus(context.Background(), "sess1", models.SessionStopped)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectExec("UPDATE sessions SET last_touch").
		WithArgs("sess1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = sessionsDB.Touch(context.Background(), "sess1", now)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
