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

func TestScheduledPostsDB_CreateAssignsPostID(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	postsDB := NewScheduledPostsDB(NewDatabaseForTesting(sqlDB))

	post := &models.ScheduledPost{UserID: "user1", Content: "hello world", ScheduledAt: time.Now().Add(time.Hour)}

	rows := sqlmock.NewRows([]string{"post_id"}).AddRow(int64(7))
	mock.ExpectQuery("INSERT INTO scheduled_posts").
		WithArgs("user1", "hello world", post.ScheduledAt, "scheduled", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	err = postsDB.Create(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, int64(7), post.PostID)
}

func TestScheduledPostsDB_GetScansStatusAndError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	postsDB := NewScheduledPostsDB(NewDatabaseForTesting(sqlDB))

	rows := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(7), "user1", "hello", time.Now(), "failed", "upstream timeout", time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	post, err := postsDB.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostFailed, post.Status)
	assert.Equal(t, "upstream timeout", post.ErrorMessage)
}

func TestScheduledPostsDB_UpdateContentAndTimeRejectsNonScheduled(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	postsDB := NewScheduledPostsDB(NewDatabaseForTesting(sqlDB))

	mock.ExpectExec("UPDATE scheduled_posts SET content").
		WithArgs(int64(7), "new content", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = postsDB.UpdateContentAndTime(context.Background(), 7, "new content", time.Now())
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestScheduledPostsDB_UpdateStatusWithError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	postsDB := NewScheduledPostsDB(NewDatabaseForTesting(sqlDB))

	mock.ExpectExec("UPDATE scheduled_posts SET status").
		WithArgs(int64(7), "failed", "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = postsDB.UpdateStatus(context.Background(), 7, models.PostFailed, "boom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduledPostsDB_ListAllPendingOnlyScheduled(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	postsDB := NewScheduledPostsDB(NewDatabaseForTesting(sqlDB))

	rows := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(1), "user1", "a", time.Now(), "scheduled", nil, time.Now(), time.Now()).
		AddRow(int64(2), "user2", "b", time.Now(), "scheduled", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").
		WillReturnRows(rows)

	posts, err := postsDB.ListAllPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, posts, 2)
}
