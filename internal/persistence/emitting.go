package persistence

import (
	"context"

	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/eventbus"
)

// WithBus wraps inner so that every mutating operation that commits
// successfully is followed by an "update" envelope on bus, carrying the id
// and changed fields of what was written. Subscribers therefore only ever
// observe durable state: no envelope is emitted for a failed commit.
//
// Each session has its own bus, created when the session is registered, so
// the binding happens per run: the runner wraps the shared gateway with its
// session's bus and uses the wrapped handle for every write it makes on that
// run's behalf. Reads and CreateRun pass through unchanged: creation
// precedes registration, so nothing can be subscribed yet.
func WithBus(inner Gateway, bus *eventbus.IndexedBus) Gateway {
	return &emittingGateway{Gateway: inner, bus: bus}
}

type emittingGateway struct {
	Gateway
	bus *eventbus.IndexedBus
}

func (g *emittingGateway) emit(ctx context.Context, object string, payload any) {
	g.bus.Emit(ctx, "update", eventbus.Envelope{
		Type:    "update",
		Object:  object,
		Payload: payload,
	})
}

func (g *emittingGateway) UpdateRun(ctx context.Context, run domain.WorkflowRun) error {
	if err := g.Gateway.UpdateRun(ctx, run); err != nil {
		return err
	}
	g.emit(ctx, "workflow_run", map[string]any{
		"id":          run.ID,
		"status":      run.Status,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
	})
	return nil
}

func (g *emittingGateway) UpdateSubmissions(ctx context.Context, submissionIDs []string, fields domain.SubmissionUpdate) error {
	if err := g.Gateway.UpdateSubmissions(ctx, submissionIDs, fields); err != nil {
		return err
	}
	changed := map[string]any{}
	if fields.Status != nil {
		changed["status"] = *fields.Status
	}
	if fields.OfficialRunID != nil {
		changed["official_run_id"] = *fields.OfficialRunID
	}
	if len(submissionIDs) == 0 || len(changed) == 0 {
		return nil
	}
	g.emit(ctx, "submissions", submissionsPayload(submissionIDs, changed))
	return nil
}

func (g *emittingGateway) UpdateSubmissionDraft(ctx context.Context, submissionID string, score float64, feedback string) error {
	if err := g.Gateway.UpdateSubmissionDraft(ctx, submissionID, score, feedback); err != nil {
		return err
	}
	g.emit(ctx, "submissions", submissionsPayload([]string{submissionID}, map[string]any{
		"draft_score":    score,
		"draft_feedback": feedback,
	}))
	return nil
}

func (g *emittingGateway) UpsertSubmissionResult(ctx context.Context, result domain.SubmissionResult) error {
	if err := g.Gateway.UpsertSubmissionResult(ctx, result); err != nil {
		return err
	}
	changed := map[string]any{"run_id": result.RunID}
	if result.Transcription != nil {
		changed["transcription"] = *result.Transcription
		changed["transcription_confidence"] = result.TranscriptionConfidence
		changed["transcribed_at"] = result.TranscribedAt
	}
	if result.Score != nil {
		changed["score"] = *result.Score
		changed["feedback"] = result.Feedback
		changed["graded_at"] = result.GradedAt
	}
	if result.GradingMeta != nil {
		changed["grading_meta"] = result.GradingMeta
	}
	g.emit(ctx, "submissions", submissionsPayload([]string{result.SubmissionID}, changed))
	return nil
}

func (g *emittingGateway) AppendSubmissionEvent(ctx context.Context, event domain.SubmissionEvent) error {
	if err := g.Gateway.AppendSubmissionEvent(ctx, event); err != nil {
		return err
	}
	g.emit(ctx, "submissions", submissionsPayload([]string{event.SubmissionID}, map[string]any{
		"event_type": event.EventType,
		"run_id":     event.RunID,
	}))
	return nil
}

// submissionsPayload builds the array payload for an "update"/"submissions"
// envelope: one item per id, each always carrying "id" plus whatever fields
// changed.
func submissionsPayload(ids []string, changed map[string]any) []map[string]any {
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		item := map[string]any{"id": id}
		for k, v := range changed {
			item[k] = v
		}
		items = append(items, item)
	}
	return items
}
