// Package models defines the persisted and in-memory entities shared
// across the control plane's components.
package models

import "time"

// SessionStatus enumerates the lifecycle states of a Session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
)

// Session is a per-user browser automation session.
type Session struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Endpoint  string        `json:"endpoint,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Status    SessionStatus `json:"status"`
	JobHandle string        `json:"job_handle,omitempty"`
	LastTouch time.Time     `json:"last_touch"`
	IdleTTL   time.Duration `json:"idle_ttl"`
}

// BrowserCredentials is the opaque, caller-supplied credential payload
// (cookies, storage state, etc.) kept encrypted at rest.
type BrowserCredentials struct {
	UserID     string    `json:"user_id"`
	Payload    []byte    `json:"-"`
	StaleAfter time.Time `json:"stale_after,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunRecord tracks the single in-flight agent run for a user.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	WorkflowName string    `json:"workflow_name"`
	CancelFlag   bool      `json:"cancel_flag"`
	StartedAt    time.Time `json:"started_at"`
}

// ActivityAction enumerates the kinds of activity a run can report.
type ActivityAction string

const (
	ActionPost      ActivityAction = "post"
	ActionComment   ActivityAction = "comment"
	ActionLike      ActivityAction = "like"
	ActionUnlike    ActivityAction = "unlike"
	ActionWebSearch ActivityAction = "web_search"
)

// ActivityStatus is the outcome of a reported activity.
type ActivityStatus string

const (
	ActivitySuccess ActivityStatus = "success"
	ActivityFailed  ActivityStatus = "failed"
)

// ActivityEvent is an immutable record of something an agent did.
type ActivityEvent struct {
	UserID    string                 `json:"user_id"`
	Action    ActivityAction         `json:"action"`
	Status    ActivityStatus         `json:"status"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PendingExtensionRequest is an in-flight request/response pair awaiting
// a reply frame from a user's browser extension.
type PendingExtensionRequest struct {
	RequestID string
	UserID    string
	Deadline  time.Time
}

// ScheduledPostStatus enumerates ScheduledPost lifecycle states.
type ScheduledPostStatus string

const (
	PostScheduled  ScheduledPostStatus = "scheduled"
	PostPublishing ScheduledPostStatus = "publishing"
	PostPublished  ScheduledPostStatus = "published"
	PostFailed     ScheduledPostStatus = "failed"
	PostCancelled  ScheduledPostStatus = "cancelled"
)

// ScheduledPost is a one-shot, time-triggered post.
type ScheduledPost struct {
	PostID       int64               `json:"post_id"`
	UserID       string              `json:"user_id"`
	Content      string              `json:"content"`
	ScheduledAt  time.Time           `json:"scheduled_at"`
	Status       ScheduledPostStatus `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// CronJob is a recurring, cron-expression-triggered workflow invocation.
type CronJob struct {
	JobID        string     `json:"job_id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	WorkflowName string     `json:"workflow_name"`
	CronExpr     string     `json:"cron_expression"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
}

// CronJobRunStatus enumerates CronJobRun lifecycle states.
type CronJobRunStatus string

const (
	CronRunQueued  CronJobRunStatus = "queued"
	CronRunRunning CronJobRunStatus = "running"
	CronRunSuccess CronJobRunStatus = "success"
	CronRunFailed  CronJobRunStatus = "failed"
)

// CronJobRun is one firing of a CronJob.
type CronJobRun struct {
	RunID        string           `json:"run_id"`
	JobID        string           `json:"job_id"`
	Status       CronJobRunStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ThreadID     string           `json:"thread_id,omitempty"`
}
