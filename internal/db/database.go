// Package db provides PostgreSQL-backed persistence for the control
// plane: credentials, sessions, activity events, scheduled posts, and
// cron jobs/runs.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/pilothq/controlplane/internal/logger"
)

// Config holds Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostPattern    = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
	identPattern   = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	sslModeOptions = map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
)

func validateConfig(cfg Config) error {
	if !hostPattern.MatchString(cfg.Host) {
		return fmt.Errorf("invalid database host %q", cfg.Host)
	}
	if !identPattern.MatchString(cfg.User) || !identPattern.MatchString(cfg.DBName) {
		return fmt.Errorf("invalid database user or name")
	}
	if !sslModeOptions[cfg.SSLMode] {
		return fmt.Errorf("invalid sslmode %q", cfg.SSLMode)
	}
	if cfg.SSLMode == "disable" {
		logger.Database().Warn().Msg("database connection running with sslmode=disable")
	}
	return nil
}

// Database wraps the Postgres connection pool shared by every table
// package in this module.
type Database struct {
	db *sql.DB
}

// NewDatabase opens and validates a Postgres connection pool.
func NewDatabase(cfg Config) (*Database, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an already-open *sql.DB (a sqlmock
// connection in tests) without dialing Postgres.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// DB exposes the underlying pool for table packages in this directory.
func (d *Database) DB() *sql.DB { return d.db }

// Close releases the connection pool.
func (d *Database) Close() error { return d.db.Close() }

// Migrate creates every table the control plane needs if it does not
// already exist. Safe to call on every startup.
func (d *Database) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS x_credentials (
			user_id TEXT PRIMARY KEY,
			ciphertext BYTEA NOT NULL,
			stale_after TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			endpoint TEXT,
			status TEXT NOT NULL,
			job_handle TEXT,
			idle_ttl_seconds BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_touch TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions (user_id, status)`,
		`CREATE TABLE IF NOT EXISTS activity_events (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			target TEXT,
			details JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_user_ts ON activity_events (user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS scheduled_posts (
			post_id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts (status, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_run_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS cron_job_runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES cron_jobs(job_id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			thread_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_job_runs_job ON cron_job_runs (job_id)`,
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
