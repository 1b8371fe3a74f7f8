package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pilothq/controlplane/internal/models"
)

// CronJobsDB persists recurring cron jobs and their run history.
type CronJobsDB struct {
	db *sql.DB
}

// NewCronJobsDB builds a CronJobsDB over an open pool.
func NewCronJobsDB(database *Database) *CronJobsDB {
	return &CronJobsDB{db: database.DB()}
}

// Create inserts a new cron job, assigning a JobID if one wasn't set.
func (c *CronJobsDB) Create(ctx context.Context, job *models.CronJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	job.CreatedAt = time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (job_id, user_id, name, workflow_name, cron_expression, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.JobID, job.UserID, job.Name, job.WorkflowName, job.CronExpr, job.IsActive, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cron job for user %s: %w", job.UserID, err)
	}
	return nil
}

func scanCronJob(row interface{ Scan(...interface{}) error }) (*models.CronJob, error) {
	job := &models.CronJob{}
	if err := row.Scan(&job.JobID, &job.UserID, &job.Name, &job.WorkflowName, &job.CronExpr,
		&job.IsActive, &job.CreatedAt, &job.LastRunAt); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a cron job by ID.
func (c *CronJobsDB) Get(ctx context.Context, jobID string) (*models.CronJob, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, name, workflow_name, cron_expression, is_active, created_at, last_run_at
		FROM cron_jobs WHERE job_id = $1
	`, jobID)
	return scanCronJob(row)
}

// ListActive returns every active cron job, used to arm the cron
// scheduler at startup.
func (c *CronJobsDB) ListActive(ctx context.Context) ([]*models.CronJob, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT job_id, user_id, name, workflow_name, cron_expression, is_active, created_at, last_run_at
		FROM cron_jobs WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active cron jobs: %w", err)
	}
	defer rows.Close()
	var out []*models.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetActive pauses or resumes a cron job.
func (c *CronJobsDB) SetActive(ctx context.Context, jobID string, active bool) error {
	res, err := c.db.ExecContext(ctx, `UPDATE cron_jobs SET is_active = $2 WHERE job_id = $1`, jobID, active)
	if err != nil {
		return fmt.Errorf("failed to update cron job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a cron job; cron_job_runs cascade-delete via the FK.
func (c *CronJobsDB) Delete(ctx context.Context, jobID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete cron job %s: %w", jobID, err)
	}
	return nil
}

// TouchLastRun stamps the job's LastRunAt.
func (c *CronJobsDB) TouchLastRun(ctx context.Context, jobID string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE cron_jobs SET last_run_at = $2 WHERE job_id = $1`, jobID, at)
	if err != nil {
		return fmt.Errorf("failed to touch cron job %s: %w", jobID, err)
	}
	return nil
}

// ErrRunAlreadyInFlight is returned by ClaimRun when another run for
// the same job is already queued or running.
var ErrRunAlreadyInFlight = fmt.Errorf("cron job already has an in-flight run")

// ClaimRun records a new CronJobRun in the queued state, but only if no
// run for the same job is currently queued or running — guarding the
// same job from being dispatched twice concurrently (a cron tick racing
// a RunJobNow call, or two overlapping ticks). The INSERT...SELECT...
// WHERE NOT EXISTS makes the existence check and the insert a single
// atomic statement so there's no gap for a second claim to slip through.
func (c *CronJobsDB) ClaimRun(ctx context.Context, run *models.CronJobRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	run.StartedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = models.CronRunQueued
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO cron_job_runs (run_id, job_id, status, started_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM cron_job_runs
			WHERE job_id = $2 AND status IN ('queued', 'running')
		)
	`, run.RunID, run.JobID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create cron job run for job %s: %w", run.JobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunAlreadyInFlight
	}
	return nil
}

// MarkRunning transitions a queued CronJobRun to running.
func (c *CronJobsDB) MarkRunning(ctx context.Context, runID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE cron_job_runs SET status = $2 WHERE run_id = $1
	`, runID, string(models.CronRunRunning))
	if err != nil {
		return fmt.Errorf("failed to mark cron job run %s running: %w", runID, err)
	}
	return nil
}

// CompleteRun transitions a CronJobRun to a terminal status.
func (c *CronJobsDB) CompleteRun(ctx context.Context, runID string, status models.CronJobRunStatus, errMsg, threadID string) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE cron_job_runs SET status = $2, completed_at = $3, error_message = NULLIF($4, ''), thread_id = NULLIF($5, '')
		WHERE run_id = $1
	`, runID, string(status), now, errMsg, threadID)
	if err != nil {
		return fmt.Errorf("failed to complete cron job run %s: %w", runID, err)
	}
	return nil
}

// ListRunsForJob returns a job's run history, most recent first.
func (c *CronJobsDB) ListRunsForJob(ctx context.Context, jobID string, limit int) ([]*models.CronJobRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, job_id, status, started_at, completed_at, COALESCE(error_message, ''), COALESCE(thread_id, '')
		FROM cron_job_runs WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for cron job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*models.CronJobRun
	for rows.Next() {
		r := &models.CronJobRun{}
		var status string
		if err := rows.Scan(&r.RunID, &r.JobID, &status, &r.StartedAt, &r.CompletedAt, &r.ErrorMessage, &r.ThreadID); err != nil {
			return nil, err
		}
		r.Status = models.CronJobRunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
