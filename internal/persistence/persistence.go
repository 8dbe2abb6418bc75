// Package persistence is the transactional boundary between the session
// runner and Postgres: database/sql + lib/pq, migration-on-boot, and the
// Gateway contract the runner depends on. One *sql.Tx per logical
// operation, plain value-type DTOs in and out, and (through the WithBus
// decorator) a post-commit event emission so the push channel observes
// persisted state, never in-memory state.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/streamspace/gradeflow/internal/domain"
)

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Gateway is the persistence contract the session runner depends on. Every
// method is one transaction; callers never see a *sql.Tx.
//
// Gateway methods persist state only. The "update" envelopes subscribers
// observe after each commit come from the per-session decorator returned by
// WithBus, since every session has its own bus and the process-wide Postgres
// handle cannot know which one a given write belongs to.
type Gateway interface {
	LoadWorkflow(ctx context.Context, id string) (domain.Workflow, error)
	LoadRun(ctx context.Context, id string) (domain.WorkflowRun, error)
	LoadSubmissions(ctx context.Context, ids []string) ([]domain.Submission, error)
	LoadAssignment(ctx context.Context, id string) (domain.Assignment, error)
	LoadSubmitter(ctx context.Context, id string) (domain.Submitter, error)
	LoadArtifacts(ctx context.Context, ids []string) ([]domain.Artifact, error)
	CreateRun(ctx context.Context, run domain.WorkflowRun) error
	UpdateRun(ctx context.Context, run domain.WorkflowRun) error
	UpdateSubmissions(ctx context.Context, submissionIDs []string, fields domain.SubmissionUpdate) error
	UpdateSubmissionDraft(ctx context.Context, submissionID string, score float64, feedback string) error
	UpsertSubmissionResult(ctx context.Context, result domain.SubmissionResult) error
	AppendSubmissionEvent(ctx context.Context, event domain.SubmissionEvent) error
	AppendRunLog(ctx context.Context, runID string, level, message string, ts time.Time) error
}

// Postgres is the database/sql + lib/pq implementation of Gateway.
type Postgres struct {
	db *sql.DB
}

// Open opens a Postgres connection and verifies it with Ping before
// returning, so a bad DSN fails at boot rather than on the first session.
func Open(cfg Config) (*Postgres, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Migrate creates the grading engine's schema if it does not already exist.
func (p *Postgres) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS courses (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			instructor_id VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id VARCHAR(255) PRIMARY KEY,
			course_id VARCHAR(255) REFERENCES courses(id) ON DELETE CASCADE,
			title VARCHAR(255) NOT NULL,
			description TEXT,
			deadline TIMESTAMP,
			max_grade_value DOUBLE PRECISION NOT NULL DEFAULT 100,
			max_grade_scale VARCHAR(32) NOT NULL DEFAULT 'points'
		)`,
		`CREATE TABLE IF NOT EXISTS submitters (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255),
			email VARCHAR(255),
			user_id VARCHAR(255),
			is_synthetic BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(255) PRIMARY KEY,
			title VARCHAR(255),
			mime VARCHAR(255),
			storage_path TEXT NOT NULL,
			storage_kind VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			access_level VARCHAR(32) NOT NULL DEFAULT 'private',
			creator_id VARCHAR(255),
			course_id VARCHAR(255),
			assignment_id VARCHAR(255),
			meta JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id VARCHAR(255) PRIMARY KEY,
			assignment_id VARCHAR(255) REFERENCES assignments(id) ON DELETE CASCADE,
			submitter_id VARCHAR(255) REFERENCES submitters(id),
			created_by VARCHAR(255),
			artifact_ids TEXT[],
			submitted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			official_run_id VARCHAR(255),
			draft_score DOUBLE PRECISION,
			draft_feedback TEXT,
			published_score DOUBLE PRECISION,
			published_feedback TEXT,
			returned_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_assignment ON submissions(assignment_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) PRIMARY KEY,
			course_id VARCHAR(255) REFERENCES courses(id) ON DELETE CASCADE,
			name VARCHAR(255),
			created_by VARCHAR(255),
			transcriber_plugin_id VARCHAR(255),
			transcriber_settings JSONB,
			grader_plugin_id VARCHAR(255),
			grader_settings JSONB,
			validator_plugin_id VARCHAR(255),
			validator_settings JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id VARCHAR(255) PRIMARY KEY,
			workflow_id VARCHAR(255) REFERENCES workflows(id) ON DELETE CASCADE,
			run_by VARCHAR(255),
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			submission_ids TEXT[]
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS submission_results (
			submission_id VARCHAR(255) NOT NULL,
			run_id VARCHAR(255) NOT NULL,
			transcription TEXT,
			transcription_confidence DOUBLE PRECISION,
			transcribed_at TIMESTAMP,
			score DOUBLE PRECISION,
			feedback TEXT,
			grading_meta JSONB,
			graded_at TIMESTAMP,
			PRIMARY KEY (submission_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS submission_events (
			id VARCHAR(255) PRIMARY KEY,
			submission_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			actor_id VARCHAR(255),
			run_id VARCHAR(255),
			details JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submission_events_submission ON submission_events(submission_id)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			level VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
	}

	for i, migration := range migrations {
		if _, err := p.db.Exec(migration); err != nil {
			return fmt.Errorf("persistence: migration %d failed: %w", i, err)
		}
	}
	return nil
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on any error fn returns (including a panic, which is
// re-raised after rollback).
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
