package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/models"
)

func newTestEngine(t *testing.T, publishPost PostPublisher, runJob JobRunner) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := db.NewDatabaseForTesting(sqlDB)
	return New(database, SkipMissed, publishPost, runJob), mock
}

func TestRunPostNowFiresPublisherAndRecordsSuccess(t *testing.T) {
	var published []int64
	var mu sync.Mutex
	publisher := func(ctx context.Context, post *models.ScheduledPost) error {
		mu.Lock()
		published = append(published, post.PostID)
		mu.Unlock()
		return nil
	}
	e, mock := newTestEngine(t, publisher, nil)

	rows := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(1), "user1", "hello", time.Now().Add(time.Hour), "scheduled", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").WithArgs(int64(1)).WillReturnRows(rows)

	mock.ExpectExec("UPDATE scheduled_posts SET status = 'publishing'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows2 := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(1), "user1", "hello", time.Now().Add(time.Hour), "publishing", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").WithArgs(int64(1)).WillReturnRows(rows2)

	mock.ExpectExec("UPDATE scheduled_posts SET status").
		WithArgs(int64(1), "published", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.RunPostNow(context.Background(), "user1", 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1}, published)
}

func TestFirePostSkipsPublishWhenClaimLosesRace(t *testing.T) {
	var published bool
	publisher := func(ctx context.Context, post *models.ScheduledPost) error {
		published = true
		return nil
	}
	e, mock := newTestEngine(t, publisher, nil)

	// A concurrent RunPostNow already claimed the post, so the status
	// guard matches zero rows; firePost must not proceed to publish.
	mock.ExpectExec("UPDATE scheduled_posts SET status = 'publishing'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e.firePost(context.Background(), &models.ScheduledPost{PostID: 1, UserID: "user1"})

	assert.False(t, published, "publisher must not run when the claim affects zero rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPostNowRejectsNonOwner(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)

	rows := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(1), "user8", "hello", time.Now().Add(time.Hour), "scheduled", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").WithArgs(int64(1)).WillReturnRows(rows)

	err := e.RunPostNow(context.Background(), "user7", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCancelPostRejectsNonOwner(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)

	rows := sqlmock.NewRows([]string{"post_id", "user_id", "content", "scheduled_at", "status", "error_message", "created_at", "updated_at"}).
		AddRow(int64(9), "user8", "hello", time.Now().Add(time.Hour), "scheduled", nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT post_id, user_id, content").WithArgs(int64(9)).WillReturnRows(rows)

	err := e.CancelPost(context.Background(), "user7", 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunJobNowRejectsNonOwner(t *testing.T) {
	e, mock := newTestEngine(t, nil, nil)

	rows := sqlmock.NewRows([]string{"job_id", "user_id", "name", "workflow_name", "cron_expression", "is_active", "created_at", "last_run_at"}).
		AddRow("job1", "user8", "n", "wf", "* * * * *", true, time.Now(), nil)
	mock.ExpectQuery("SELECT job_id, user_id, name").WithArgs("job1").WillReturnRows(rows)

	err := e.RunJobNow(context.Background(), "user7", "job1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunJobNowRecordsSuccessRun(t *testing.T) {
	ran := false
	runner := func(ctx context.Context, job *models.CronJob, run *models.CronJobRun) error {
		ran = true
		return nil
	}
	e, mock := newTestEngine(t, nil, runner)

	rows := sqlmock.NewRows([]string{"job_id", "user_id", "name", "workflow_name", "cron_expression", "is_active", "created_at", "last_run_at"}).
		AddRow("job1", "user1", "n", "wf", "* * * * *", true, time.Now(), nil)
	mock.ExpectQuery("SELECT job_id, user_id, name").WithArgs("job1").WillReturnRows(rows)

	mock.ExpectExec("INSERT INTO cron_job_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE cron_jobs SET last_run_at").WithArgs("job1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE cron_job_runs SET status").WillReturnResult(sqlmock.NewResult(0, 1)) // MarkRunning
	mock.ExpectExec("UPDATE cron_job_runs SET status").WillReturnResult(sqlmock.NewResult(0, 1)) // CompleteRun

	err := e.RunJobNow(context.Background(), "user1", "job1")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestFireJobSkipsRunWhenClaimLosesRace(t *testing.T) {
	ran := false
	runner := func(ctx context.Context, job *models.CronJob, run *models.CronJobRun) error {
		ran = true
		return nil
	}
	e, mock := newTestEngine(t, nil, runner)

	// A concurrent tick/RunJobNow already has a queued or running run
	// for this job, so the guarded INSERT affects zero rows.
	mock.ExpectExec("INSERT INTO cron_job_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	e.fireJob(context.Background(), &models.CronJob{JobID: "job1", UserID: "user1"})

	assert.False(t, ran, "runJob must not run when the cron run claim affects zero rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsFireOncePolicy(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	e.missedPolicy = FireOnce
	err := e.Start(context.Background())
	require.Error(t, err)
}
