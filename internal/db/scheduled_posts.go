package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pilothq/controlplane/internal/models"
)

// ScheduledPostsDB persists one-shot scheduled posts.
type ScheduledPostsDB struct {
	db *sql.DB
}

// NewScheduledPostsDB builds a ScheduledPostsDB over an open pool.
func NewScheduledPostsDB(database *Database) *ScheduledPostsDB {
	return &ScheduledPostsDB{db: database.DB()}
}

func scanPost(row interface{ Scan(...interface{}) error }) (*models.ScheduledPost, error) {
	p := &models.ScheduledPost{}
	var status, errMsg sql.NullString
	if err := row.Scan(&p.PostID, &p.UserID, &p.Content, &p.ScheduledAt, &status, &errMsg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.ScheduledPostStatus(status.String)
	p.ErrorMessage = errMsg.String
	return p, nil
}

// Create inserts a new scheduled post and stores its assigned ID in p.PostID.
func (s *ScheduledPostsDB) Create(ctx context.Context, p *models.ScheduledPost) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = models.PostScheduled
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_posts (user_id, content, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING post_id
	`, p.UserID, p.Content, p.ScheduledAt, string(p.Status), p.CreatedAt, p.UpdatedAt).Scan(&p.PostID)
	if err != nil {
		return fmt.Errorf("failed to create scheduled post for user %s: %w", p.UserID, err)
	}
	return nil
}

// Get retrieves a scheduled post by ID.
func (s *ScheduledPostsDB) Get(ctx context.Context, postID int64) (*models.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT post_id, user_id, content, scheduled_at, status, error_message, created_at, updated_at
		FROM scheduled_posts WHERE post_id = $1
	`, postID)
	return scanPost(row)
}

// UpdateContentAndTime changes a still-scheduled post's content/time.
func (s *ScheduledPostsDB) UpdateContentAndTime(ctx context.Context, postID int64, content string, scheduledAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET content = $2, scheduled_at = $3, updated_at = now()
		WHERE post_id = $1 AND status = 'scheduled'
	`, postID, content, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to update scheduled post %d: %w", postID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClaimForPublishing atomically transitions a post from scheduled to
// publishing, guarded on the current status so two concurrent firing
// attempts (a timer racing a RunPostNow call) can't both claim it: the
// loser observes zero rows affected and reports ErrNoRows.
func (s *ScheduledPostsDB) ClaimForPublishing(ctx context.Context, postID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'publishing', updated_at = now()
		WHERE post_id = $1 AND status = 'scheduled'
	`, postID)
	if err != nil {
		return fmt.Errorf("failed to claim scheduled post %d: %w", postID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatus transitions a post's status, optionally recording an error.
func (s *ScheduledPostsDB) UpdateStatus(ctx context.Context, postID int64, status models.ScheduledPostStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = $2, error_message = NULLIF($3, ''), updated_at = now()
		WHERE post_id = $1
	`, postID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("failed to update scheduled post %d status: %w", postID, err)
	}
	return nil
}

// ListAllPending returns every post still in the scheduled state across all users,
// used to re-arm timers process-wide on startup.
func (s *ScheduledPostsDB) ListAllPending(ctx context.Context) ([]*models.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, user_id, content, scheduled_at, status, error_message, created_at, updated_at
		FROM scheduled_posts WHERE status = 'scheduled'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending posts: %w", err)
	}
	defer rows.Close()
	var out []*models.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
