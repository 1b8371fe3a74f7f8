// Package scheduler implements the Scheduled Execution Engine: one-shot
// ScheduledPost timers and recurring CronJob triggers, both re-armed
// from durable storage on startup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/robfig/cron/v3"

	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

// PostPublisher fires a due ScheduledPost. The engine guarantees it is
// called at most once per post even under concurrent firing attempts.
type PostPublisher func(ctx context.Context, post *models.ScheduledPost) error

// JobRunner fires one CronJobRun for a CronJob, synthesizing the
// {user_id, cron_job_id} input the workflow runtime receives since the
// job runs without a live session.
type JobRunner func(ctx context.Context, job *models.CronJob, run *models.CronJobRun) error

// MissedPolicy controls what happens to a trigger whose fire time
// elapsed while the engine was not running.
type MissedPolicy string

const (
	// SkipMissed (the default) silently drops triggers missed during
	// downtime rather than firing a backlog of them at restart.
	SkipMissed MissedPolicy = "skip-missed"
	// FireOnce would fire each missed trigger exactly once at restart.
	// Long-downtime behavior for this policy is unverified upstream and
	// is not implemented here — selecting it is a configuration error.
	FireOnce MissedPolicy = "fire-once"
)

// Engine is the Scheduled Execution Engine.
type Engine struct {
	posts *db.ScheduledPostsDB
	jobs  *db.CronJobsDB
	cron  *cron.Cron

	sanitizer *bluemonday.Policy

	missedPolicy MissedPolicy

	mu         sync.Mutex
	postTimers map[int64]*time.Timer
	jobEntries map[string]cron.EntryID

	publishPost PostPublisher
	runJob      JobRunner
}

// New builds a Scheduled Execution Engine.
func New(database *db.Database, missedPolicy MissedPolicy, publishPost PostPublisher, runJob JobRunner) *Engine {
	return &Engine{
		posts:        db.NewScheduledPostsDB(database),
		jobs:         db.NewCronJobsDB(database),
		cron:         cron.New(cron.WithLocation(time.UTC)),
		sanitizer:    bluemonday.UGCPolicy(),
		missedPolicy: missedPolicy,
		postTimers:   make(map[int64]*time.Timer),
		jobEntries:   make(map[string]cron.EntryID),
		publishPost:  publishPost,
		runJob:       runJob,
	}
}

// Start re-arms every pending post timer and active cron job from
// storage, then starts the cron scheduler. Call once at process
// startup — the engine assumes a single running instance.
func (e *Engine) Start(ctx context.Context) error {
	if e.missedPolicy == FireOnce {
		return errors.Upstream("fire-once missed policy is not implemented", nil)
	}

	pending, err := e.posts.ListAllPending(ctx)
	if err != nil {
		return errors.Database(err)
	}
	now := time.Now().UTC()
	for _, post := range pending {
		if post.ScheduledAt.Before(now) {
			// skip-missed: this post's fire time elapsed during downtime.
			if err := e.posts.UpdateStatus(ctx, post.PostID, models.PostCancelled, "skipped: missed during downtime"); err != nil {
				logger.Scheduler().Error().Err(err).Int64("post_id", post.PostID).Msg("failed to mark missed post cancelled")
			}
			continue
		}
		e.armPostTimer(post)
	}

	jobs, err := e.jobs.ListActive(ctx)
	if err != nil {
		return errors.Database(err)
	}
	for _, job := range jobs {
		if err := e.armCronJob(job); err != nil {
			logger.Scheduler().Error().Err(err).Str("job_id", job.JobID).Msg("failed to arm cron job at startup")
		}
	}

	e.cron.Start()
	logger.Scheduler().Info().Int("pending_posts", len(pending)).Int("active_jobs", len(jobs)).Msg("scheduled execution engine started")
	return nil
}

// Stop halts the cron scheduler and every armed post timer.
func (e *Engine) Stop() {
	e.cron.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.postTimers {
		t.Stop()
	}
}

// AddPost sanitizes and persists a new ScheduledPost, arming its timer.
func (e *Engine) AddPost(ctx context.Context, post *models.ScheduledPost) error {
	post.Content = e.sanitizer.Sanitize(post.Content)
	if err := e.posts.Create(ctx, post); err != nil {
		return errors.Database(err)
	}
	e.armPostTimer(post)
	return nil
}

// postOwnedBy loads a post and verifies it belongs to userID, returning
// NotFound (not Forbidden) on mismatch so the caller can't probe for the
// existence of another user's post.
func (e *Engine) postOwnedBy(ctx context.Context, userID string, postID int64) (*models.ScheduledPost, error) {
	post, err := e.posts.Get(ctx, postID)
	if err != nil || post.UserID != userID {
		return nil, errors.NotFound(fmt.Sprintf("scheduled post %d", postID))
	}
	return post, nil
}

// UpdatePost changes a still-scheduled post's content/time and re-arms
// its timer.
func (e *Engine) UpdatePost(ctx context.Context, userID string, postID int64, content string, scheduledAt time.Time) error {
	if _, err := e.postOwnedBy(ctx, userID, postID); err != nil {
		return err
	}
	content = e.sanitizer.Sanitize(content)
	if err := e.posts.UpdateContentAndTime(ctx, postID, content, scheduledAt); err != nil {
		return errors.Conflict(fmt.Sprintf("post %d is no longer scheduled", postID))
	}
	e.cancelPostTimer(postID)
	e.armPostTimer(&models.ScheduledPost{PostID: postID, ScheduledAt: scheduledAt})
	return nil
}

// CancelPost stops a post's timer and marks it cancelled.
func (e *Engine) CancelPost(ctx context.Context, userID string, postID int64) error {
	if _, err := e.postOwnedBy(ctx, userID, postID); err != nil {
		return err
	}
	e.cancelPostTimer(postID)
	if err := e.posts.UpdateStatus(ctx, postID, models.PostCancelled, ""); err != nil {
		return errors.Database(err)
	}
	return nil
}

// RunPostNow fires a post immediately, bypassing its timer.
func (e *Engine) RunPostNow(ctx context.Context, userID string, postID int64) error {
	post, err := e.postOwnedBy(ctx, userID, postID)
	if err != nil {
		return err
	}
	e.cancelPostTimer(postID)
	e.firePost(ctx, post)
	return nil
}

func (e *Engine) armPostTimer(post *models.ScheduledPost) {
	delay := time.Until(post.ScheduledAt)
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		e.firePost(context.Background(), post)
	})

	e.mu.Lock()
	e.postTimers[post.PostID] = timer
	e.mu.Unlock()
}

func (e *Engine) cancelPostTimer(postID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.postTimers[postID]; ok {
		t.Stop()
		delete(e.postTimers, postID)
	}
}

// firePost claims the post atomically (scheduled -> publishing, guarded
// on the current status) so the same PostID is never dispatched twice
// even when a timer fire races a RunPostNow call against it, then runs
// the publisher.
func (e *Engine) firePost(ctx context.Context, post *models.ScheduledPost) {
	if err := e.posts.ClaimForPublishing(ctx, post.PostID); err != nil {
		logger.Scheduler().Debug().Err(err).Int64("post_id", post.PostID).Msg("post already claimed or no longer scheduled, skipping fire")
		return
	}

	fresh, err := e.posts.Get(ctx, post.PostID)
	if err != nil {
		logger.Scheduler().Error().Err(err).Int64("post_id", post.PostID).Msg("failed to reload post before publish")
		return
	}

	if err := e.publishPost(ctx, fresh); err != nil {
		_ = e.posts.UpdateStatus(ctx, post.PostID, models.PostFailed, err.Error())
		logger.Scheduler().Error().Err(err).Int64("post_id", post.PostID).Msg("post publish failed")
		return
	}
	_ = e.posts.UpdateStatus(ctx, post.PostID, models.PostPublished, "")
}

// AddJob persists a new CronJob and arms its cron entry.
func (e *Engine) AddJob(ctx context.Context, job *models.CronJob) error {
	job.IsActive = true
	if err := e.jobs.Create(ctx, job); err != nil {
		return errors.Database(err)
	}
	return e.armCronJob(job)
}

func (e *Engine) armCronJob(job *models.CronJob) error {
	entryID, err := e.cron.AddFunc(job.CronExpr, func() {
		e.fireJob(context.Background(), job)
	})
	if err != nil {
		return errors.BadRequest(fmt.Sprintf("invalid cron expression %q: %v", job.CronExpr, err))
	}
	e.mu.Lock()
	e.jobEntries[job.JobID] = entryID
	e.mu.Unlock()
	return nil
}

func (e *Engine) removeCronEntry(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entryID, ok := e.jobEntries[jobID]; ok {
		e.cron.Remove(entryID)
		delete(e.jobEntries, jobID)
	}
}

// jobOwnedBy loads a cron job and verifies it belongs to userID,
// returning NotFound (not Forbidden) on mismatch so the caller can't
// probe for the existence of another user's job.
func (e *Engine) jobOwnedBy(ctx context.Context, userID, jobID string) (*models.CronJob, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil || job.UserID != userID {
		return nil, errors.NotFound(fmt.Sprintf("cron job %s", jobID))
	}
	return job, nil
}

// PauseJob stops a job's cron entry without deleting its row.
func (e *Engine) PauseJob(ctx context.Context, userID, jobID string) error {
	if _, err := e.jobOwnedBy(ctx, userID, jobID); err != nil {
		return err
	}
	if err := e.jobs.SetActive(ctx, jobID, false); err != nil {
		return errors.NotFound(fmt.Sprintf("cron job %s", jobID))
	}
	e.removeCronEntry(jobID)
	return nil
}

// ResumeJob re-arms a paused job's cron entry.
func (e *Engine) ResumeJob(ctx context.Context, userID, jobID string) error {
	if _, err := e.jobOwnedBy(ctx, userID, jobID); err != nil {
		return err
	}
	if err := e.jobs.SetActive(ctx, jobID, true); err != nil {
		return errors.NotFound(fmt.Sprintf("cron job %s", jobID))
	}
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return errors.Database(err)
	}
	return e.armCronJob(job)
}

// DeleteJob removes the job row (cascading its run history via the FK)
// and its cron entry.
func (e *Engine) DeleteJob(ctx context.Context, userID, jobID string) error {
	if _, err := e.jobOwnedBy(ctx, userID, jobID); err != nil {
		return err
	}
	e.removeCronEntry(jobID)
	if err := e.jobs.Delete(ctx, jobID); err != nil {
		return errors.Database(err)
	}
	return nil
}

// RunJobNow fires a job immediately, outside its cron schedule.
func (e *Engine) RunJobNow(ctx context.Context, userID, jobID string) error {
	job, err := e.jobOwnedBy(ctx, userID, jobID)
	if err != nil {
		return err
	}
	e.fireJob(ctx, job)
	return nil
}

// fireJob claims a run slot for job atomically (ClaimRun fails if a
// queued/running run already exists for it), guarding against the same
// job being dispatched twice concurrently — a cron tick racing a
// RunJobNow call, or two overlapping ticks.
func (e *Engine) fireJob(ctx context.Context, job *models.CronJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Scheduler().Error().Interface("panic", r).Str("job_id", job.JobID).Msg("cron job run panicked")
		}
	}()

	run := &models.CronJobRun{JobID: job.JobID, Status: models.CronRunQueued}
	if err := e.jobs.ClaimRun(ctx, run); err != nil {
		logger.Scheduler().Debug().Err(err).Str("job_id", job.JobID).Msg("cron job run not claimed, skipping fire")
		return
	}

	_ = e.jobs.TouchLastRun(ctx, job.JobID, time.Now().UTC())

	if err := e.jobs.MarkRunning(ctx, run.RunID); err != nil {
		logger.Scheduler().Error().Err(err).Str("job_id", job.JobID).Msg("failed to mark cron job run running")
	}

	if err := e.runJob(ctx, job, run); err != nil {
		_ = e.jobs.CompleteRun(ctx, run.RunID, models.CronRunFailed, err.Error(), run.ThreadID)
		logger.Scheduler().Error().Err(err).Str("job_id", job.JobID).Msg("cron job run failed")
		return
	}
	_ = e.jobs.CompleteRun(ctx, run.RunID, models.CronRunSuccess, "", run.ThreadID)
}
