package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pilothq/controlplane/internal/models"
)

// ActivityDB is the durable store backing the Activity Event Bus.
type ActivityDB struct {
	db *sql.DB
}

// NewActivityDB builds an ActivityDB over an open pool.
func NewActivityDB(database *Database) *ActivityDB {
	return &ActivityDB{db: database.DB()}
}

// Insert durably records an activity event. Publishing to live
// subscribers is the bus's job, not this store's.
func (a *ActivityDB) Insert(ctx context.Context, ev *models.ActivityEvent) error {
	var detailsJSON []byte
	if ev.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal activity details: %w", err)
		}
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO activity_events (user_id, action, status, target, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.UserID, string(ev.Action), string(ev.Status), ev.Target, detailsJSON, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to persist activity event for user %s: %w", ev.UserID, err)
	}
	return nil
}

// History returns the most recent events for a user, newest first.
func (a *ActivityDB) History(ctx context.Context, userID string, limit int) ([]*models.ActivityEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT user_id, action, status, COALESCE(target, ''), details, timestamp
		FROM activity_events
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity history for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.ActivityEvent
	for rows.Next() {
		ev := &models.ActivityEvent{}
		var action, status string
		var detailsJSON []byte
		if err := rows.Scan(&ev.UserID, &action, &status, &ev.Target, &detailsJSON, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Action = models.ActivityAction(action)
		ev.Status = models.ActivityStatus(status)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal activity details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
