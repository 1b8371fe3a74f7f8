package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pilothq/controlplane/internal/models"
)

// SessionsDB handles session persistence.
type SessionsDB struct {
	db *sql.DB
}

// NewSessionsDB builds a SessionsDB over an open pool.
func NewSessionsDB(database *Database) *SessionsDB {
	return &SessionsDB{db: database.DB()}
}

// Upsert creates or updates a session row.
func (s *SessionsDB) Upsert(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, endpoint, status, job_handle, idle_ttl_seconds, created_at, last_touch)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			status = EXCLUDED.status,
			job_handle = EXCLUDED.job_handle,
			last_touch = EXCLUDED.last_touch
	`, sess.SessionID, sess.UserID, sess.Endpoint, string(sess.Status), sess.JobHandle,
		int64(sess.IdleTTL.Seconds()), sess.CreatedAt, sess.LastTouch)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.SessionID, err)
	}
	return nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var idleSeconds int64
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Endpoint, &status, &sess.JobHandle,
		&idleSeconds, &sess.CreatedAt, &sess.LastTouch)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.IdleTTL = time.Duration(idleSeconds) * time.Second
	return sess, nil
}

// GetActiveForUser returns the starting/running session for a user, if
// any, enforcing the "at most one active session per user" invariant at
// the read side.
func (s *SessionsDB) GetActiveForUser(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, COALESCE(endpoint, ''), status, COALESCE(job_handle, ''),
			idle_ttl_seconds, created_at, last_touch
		FROM sessions
		WHERE user_id = $1 AND status IN ('starting', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	return scanSession(row)
}

// Get retrieves a single session by ID.
func (s *SessionsDB) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, COALESCE(endpoint, ''), status, COALESCE(job_handle, ''),
			idle_ttl_seconds, created_at, last_touch
		FROM sessions WHERE session_id = $1
	`, sessionID)
	return scanSession(row)
}

// ListForUser returns every session ever created for a user.
func (s *SessionsDB) ListForUser(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, COALESCE(endpoint, ''), status, COALESCE(job_handle, ''),
			idle_ttl_seconds, created_at, last_touch
		FROM sessions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var status string
		var idleSeconds int64
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Endpoint, &status, &sess.JobHandle,
			&idleSeconds, &sess.CreatedAt, &sess.LastTouch); err != nil {
			return nil, err
		}
		sess.Status = models.SessionStatus(status)
		sess.IdleTTL = time.Duration(idleSeconds) * time.Second
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListRunningOlderThan returns every running/starting session whose
// last_touch predates the given cutoff, used by the reaper scan.
func (s *SessionsDB) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, COALESCE(endpoint, ''), status, COALESCE(job_handle, ''),
			idle_ttl_seconds, created_at, last_touch
		FROM sessions
		WHERE status IN ('starting', 'running') AND last_touch < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var status string
		var idleSeconds int64
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Endpoint, &status, &sess.JobHandle,
			&idleSeconds, &sess.CreatedAt, &sess.LastTouch); err != nil {
			return nil, err
		}
		sess.Status = models.SessionStatus(status)
		sess.IdleTTL = time.Duration(idleSeconds) * time.Second
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a session's status.
func (s *SessionsDB) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = $2 WHERE session_id = $1`, sessionID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update session %s status: %w", sessionID, err)
	}
	return nil
}

// Touch refreshes last_touch for idle-TTL purposes.
func (s *SessionsDB) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_touch = $2 WHERE session_id = $1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}
