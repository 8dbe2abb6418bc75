package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/streamspace/gradeflow/internal/domain"
)

// LoadWorkflow loads a Workflow and its three plugin slots in one
// transaction.
func (p *Postgres) LoadWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var wf domain.Workflow
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		var transcriberID, graderID, validatorID sql.NullString
		var transcriberSettings, graderSettings, validatorSettings []byte

		row := tx.QueryRowContext(ctx, `
			SELECT id, course_id, name, created_by,
			       transcriber_plugin_id, transcriber_settings,
			       grader_plugin_id, grader_settings,
			       validator_plugin_id, validator_settings
			FROM workflows WHERE id = $1`, id)

		if err := row.Scan(&wf.ID, &wf.CourseID, &wf.Name, &wf.CreatedBy,
			&transcriberID, &transcriberSettings,
			&graderID, &graderSettings,
			&validatorID, &validatorSettings); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("persistence: workflow %s: %w", id, sql.ErrNoRows)
			}
			return err
		}

		wf.Transcriber = slotFrom(transcriberID, transcriberSettings)
		wf.Grader = slotFrom(graderID, graderSettings)
		wf.Validator = slotFrom(validatorID, validatorSettings)
		return nil
	})
	return wf, err
}

func slotFrom(id sql.NullString, settings []byte) *domain.PluginSlot {
	if !id.Valid {
		return nil
	}
	slot := &domain.PluginSlot{PluginID: id.String}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &slot.Settings)
	}
	return slot
}

// LoadRun loads a WorkflowRun by id.
func (p *Postgres) LoadRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, workflow_id, run_by, started_at, finished_at, status, submission_ids
			FROM workflow_runs WHERE id = $1`, id)
		var submissionIDs pq.StringArray
		if err := row.Scan(&run.ID, &run.WorkflowID, &run.RunBy, &run.StartedAt, &run.FinishedAt,
			&run.Status, &submissionIDs); err != nil {
			return err
		}
		run.SubmissionIDs = []string(submissionIDs)
		return nil
	})
	return run, err
}

// LoadSubmissions loads every Submission named in ids, in one transaction.
func (p *Postgres) LoadSubmissions(ctx context.Context, ids []string) ([]domain.Submission, error) {
	var out []domain.Submission
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, assignment_id, submitter_id, created_by, artifact_ids, submitted_at,
			       status, official_run_id, draft_score, draft_feedback,
			       published_score, published_feedback, returned_at
			FROM submissions WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s domain.Submission
			var artifactIDs pq.StringArray
			if err := rows.Scan(&s.ID, &s.AssignmentID, &s.SubmitterID, &s.CreatedBy, &artifactIDs,
				&s.SubmittedAt, &s.Status, &s.OfficialRunID, &s.DraftScore, &s.DraftFeedback,
				&s.PublishedScore, &s.PublishedFeedback, &s.ReturnedAt); err != nil {
				return err
			}
			s.ArtifactIDs = []string(artifactIDs)
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

// LoadAssignment loads an Assignment by id.
func (p *Postgres) LoadAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	var a domain.Assignment
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, course_id, title, description, deadline, max_grade_value, max_grade_scale
			FROM assignments WHERE id = $1`, id)
		return row.Scan(&a.ID, &a.CourseID, &a.Title, &a.Description, &a.Deadline,
			&a.MaxGrade.Value, &a.MaxGrade.Scale)
	})
	return a, err
}

// LoadSubmitter loads a Submitter by id.
func (p *Postgres) LoadSubmitter(ctx context.Context, id string) (domain.Submitter, error) {
	var s domain.Submitter
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, name, email, user_id, is_synthetic FROM submitters WHERE id = $1`, id)
		return row.Scan(&s.ID, &s.Name, &s.Email, &s.UserID, &s.IsSynthetic)
	})
	return s, err
}

// LoadArtifacts loads every Artifact named in ids, in one transaction.
func (p *Postgres) LoadArtifacts(ctx context.Context, ids []string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, title, mime, storage_path, storage_kind, status, access_level,
			       creator_id, course_id, assignment_id, meta, created_at, updated_at
			FROM artifacts WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a domain.Artifact
			var metaJSON []byte
			if err := rows.Scan(&a.ID, &a.Title, &a.MIME, &a.StoragePath, &a.StorageKind,
				&a.Status, &a.AccessLevel, &a.CreatorID, &a.CourseID, &a.AssignmentID,
				&metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
				return err
			}
			if len(metaJSON) > 0 {
				_ = json.Unmarshal(metaJSON, &a.Meta)
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// CreateRun inserts a fresh WorkflowRun row, normally in the pending state.
// Creation precedes the session's registration, so no subscriber can exist
// yet and no envelope is owed for it.
func (p *Postgres) CreateRun(ctx context.Context, run domain.WorkflowRun) error {
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, run_by, started_at, finished_at, status, submission_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			run.ID, run.WorkflowID, run.RunBy, run.StartedAt, run.FinishedAt,
			run.Status, pq.Array(run.SubmissionIDs))
		return err
	})
}

// UpdateRun persists a WorkflowRun's mutable fields (status, timestamps).
// Idempotent: re-applying the same fields leaves one identical row.
func (p *Postgres) UpdateRun(ctx context.Context, run domain.WorkflowRun) error {
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs SET status = $2, started_at = $3, finished_at = $4
			WHERE id = $1`, run.ID, run.Status, run.StartedAt, run.FinishedAt)
		return err
	})
}

// UpdateSubmissions bulk-updates only the non-nil fields of fields across
// every id in submissionIDs, in one transaction: a stage boundary that
// touches a whole batch is one write over the set, not one per submission.
func (p *Postgres) UpdateSubmissions(ctx context.Context, submissionIDs []string, fields domain.SubmissionUpdate) error {
	if len(submissionIDs) == 0 {
		return nil
	}

	sets := make([]string, 0, 2)
	args := []any{pq.Array(submissionIDs)}

	if fields.Status != nil {
		args = append(args, *fields.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if fields.OfficialRunID != nil {
		args = append(args, *fields.OfficialRunID)
		sets = append(sets, fmt.Sprintf("official_run_id = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE submissions SET %s WHERE id = ANY($1)", strings.Join(sets, ", "))
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateSubmissionDraft stamps a submission's editable draft_score and
// draft_feedback with the grader's latest output. These are distinct from
// the published_score/published_feedback pair, which only change when the
// submission is returned to the student.
func (p *Postgres) UpdateSubmissionDraft(ctx context.Context, submissionID string, score float64, feedback string) error {
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE submissions SET draft_score = $2, draft_feedback = $3 WHERE id = $1`,
			submissionID, score, feedback)
		return err
	})
}

// UpsertSubmissionResult inserts or cumulatively updates a
// SubmissionResult row: each stage only supplies the columns it owns, and
// COALESCE preserves whatever an earlier stage already wrote.
func (p *Postgres) UpsertSubmissionResult(ctx context.Context, result domain.SubmissionResult) error {
	// A nil map must reach the query as SQL NULL (not JSON null) so the
	// COALESCE below keeps an earlier stage's grading_meta.
	var metaJSON any
	if result.GradingMeta != nil {
		b, err := json.Marshal(result.GradingMeta)
		if err != nil {
			return fmt.Errorf("persistence: marshal grading meta: %w", err)
		}
		metaJSON = b
	}

	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO submission_results
				(submission_id, run_id, transcription, transcription_confidence, transcribed_at,
				 score, feedback, grading_meta, graded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (submission_id, run_id) DO UPDATE SET
				transcription = COALESCE(EXCLUDED.transcription, submission_results.transcription),
				transcription_confidence = COALESCE(EXCLUDED.transcription_confidence, submission_results.transcription_confidence),
				transcribed_at = COALESCE(EXCLUDED.transcribed_at, submission_results.transcribed_at),
				score = COALESCE(EXCLUDED.score, submission_results.score),
				feedback = COALESCE(EXCLUDED.feedback, submission_results.feedback),
				grading_meta = COALESCE(EXCLUDED.grading_meta, submission_results.grading_meta),
				graded_at = COALESCE(EXCLUDED.graded_at, submission_results.graded_at)`,
			result.SubmissionID, result.RunID, result.Transcription, result.TranscriptionConfidence,
			result.TranscribedAt, result.Score, result.Feedback, metaJSON, result.GradedAt)
		return err
	})
}

// AppendSubmissionEvent inserts an append-only audit row.
func (p *Postgres) AppendSubmissionEvent(ctx context.Context, event domain.SubmissionEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("persistence: marshal event details: %w", err)
	}
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO submission_events (id, submission_id, event_type, actor_id, run_id, details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			event.ID, event.SubmissionID, event.EventType, event.ActorID, event.RunID, detailsJSON, event.CreatedAt)
		return err
	})
}

// AppendRunLog persists one log line for durable history, independent of the
// live push channel. Failures here are expected to be logged and swallowed
// by the caller (sessionrunner.Runner.wireLogPersistence), not retried.
func (p *Postgres) AppendRunLog(ctx context.Context, runID string, level, message string, ts time.Time) error {
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_logs (run_id, level, message, ts) VALUES ($1, $2, $3, $4)`,
			runID, level, message, ts)
		return err
	})
}
