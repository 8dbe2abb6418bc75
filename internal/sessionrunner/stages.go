package sessionrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/pluginsdk"
)

// transcribedItem carries a submission's original view alongside its
// transcription result, so the grading stage can hand a grader both the
// transcribed text and the pre-transcription view it came from.
type transcribedItem struct {
	submission domain.Submission
	view       pluginsdk.SubmissionView
	result     pluginsdk.TranscriptionResult
}

type gradedItem struct {
	submission    domain.Submission
	view          pluginsdk.SubmissionView
	transcription pluginsdk.TranscriptionResult
	grade         pluginsdk.GradeResult
}

// runTranscription instantiates the workflow's transcriber and runs it over
// every submission with bounded parallelism. A per-submission transcription
// error marks only that submission failed and excludes it from later
// stages; a setup failure (unknown plugin, bad settings, construction
// error) is fatal to the whole run.
func (e *execution) runTranscription(ctx context.Context, run domain.WorkflowRun, workflow domain.Workflow, submissions []domain.Submission, views map[string]pluginsdk.SubmissionView) ([]transcribedItem, bool) {
	logger := e.sess.Logger
	logger.Info("starting transcription step")

	instance, err := instantiatePlugin(e.runner.registry, workflow.Transcriber, logger.GetChild(workflow.Transcriber.PluginID))
	if err != nil {
		e.reportFailure(run, fmt.Sprintf("transcriber %s", err), err)
		return nil, false
	}
	transcriber, ok := instance.(pluginsdk.TranscriptionPlugin)
	if !ok {
		e.reportFailure(run, fmt.Sprintf("plugin %s does not implement TranscriptionPlugin", workflow.Transcriber.PluginID), nil)
		return nil, false
	}

	_ = e.setStatus(ctx, submissionIDs(submissions), domain.SubmissionTranscribing)

	// A plugin that implements the batch method handles the whole set in
	// one call; otherwise each submission is transcribed individually under
	// the semaphore.
	var results []dispatchResult[pluginsdk.TranscriptionResult]
	if batch, isBatch := instance.(pluginsdk.TranscriptionBatchPlugin); isBatch {
		ordered := make([]pluginsdk.SubmissionView, len(submissions))
		for i, s := range submissions {
			ordered[i] = views[s.ID]
		}
		cctx, cancel := e.runner.pluginCtx(ctx)
		values, err := batch.TranscribeBatch(cctx, ordered)
		cancel()
		results = batchResults(values, err, len(submissions))
	} else {
		results = dispatch(ctx, submissions, e.runner.parallelism, func(s domain.Submission) (pluginsdk.TranscriptionResult, error) {
			cctx, cancel := e.runner.pluginCtx(ctx)
			defer cancel()
			return transcriber.Transcribe(cctx, views[s.ID])
		})
	}

	items := make([]transcribedItem, 0, len(submissions))
	var failed, succeeded []string
	for i, res := range results {
		s := submissions[i]
		if res.err != nil {
			logger.Error(fmt.Sprintf("transcription failed for %s's submission: %v", s.SubmitterID, res.err))
			failed = append(failed, s.ID)
			continue
		}
		_ = e.gw.UpsertSubmissionResult(ctx, domain.SubmissionResult{
			SubmissionID:            s.ID,
			RunID:                   run.ID,
			Transcription:           strPtr(res.value.Transcription),
			TranscriptionConfidence: floatPtr(res.value.Confidence),
			TranscribedAt:           timePtr(time.Now()),
		})
		succeeded = append(succeeded, s.ID)
		items = append(items, transcribedItem{submission: s, view: views[s.ID], result: res.value})
	}
	_ = e.setStatus(ctx, failed, domain.SubmissionFailure)
	_ = e.setStatus(ctx, succeeded, domain.SubmissionTranscribed)

	logger.Info("transcription step completed")
	return items, true
}

// runGrading instantiates the workflow's grader and runs it over every
// transcribed item. Returns false only on a fatal setup failure; an empty
// grader slot simply skips the stage.
func (e *execution) runGrading(ctx context.Context, run domain.WorkflowRun, workflow domain.Workflow, transcribed []transcribedItem) ([]gradedItem, bool) {
	logger := e.sess.Logger
	if workflow.Grader == nil {
		return nil, true
	}
	logger.Info("starting grading step")

	instance, err := instantiatePlugin(e.runner.registry, workflow.Grader, logger.GetChild(workflow.Grader.PluginID))
	if err != nil {
		e.reportFailure(run, fmt.Sprintf("grader %s", err), err)
		return nil, false
	}
	grader, ok := instance.(pluginsdk.GradePlugin)
	if !ok {
		e.reportFailure(run, fmt.Sprintf("plugin %s does not implement GradePlugin", workflow.Grader.PluginID), nil)
		return nil, false
	}

	if len(transcribed) == 0 {
		logger.Warning("no submissions to grade, skipping grading step")
		return nil, true
	}

	_ = e.setStatus(ctx, transcribedIDs(transcribed), domain.SubmissionGrading)

	results := dispatch(ctx, transcribed, e.runner.parallelism, func(t transcribedItem) (pluginsdk.GradeResult, error) {
		cctx, cancel := e.runner.pluginCtx(ctx)
		defer cancel()
		view := t.view
		return grader.Grade(cctx, t.result, &view)
	})

	items := make([]gradedItem, 0, len(transcribed))
	var failed, succeeded []string
	for i, res := range results {
		t := transcribed[i]
		if res.err != nil {
			logger.Error(fmt.Sprintf("grading failed for %s's submission: %v", t.submission.SubmitterID, res.err))
			failed = append(failed, t.submission.ID)
			continue
		}
		_ = e.gw.UpsertSubmissionResult(ctx, domain.SubmissionResult{
			SubmissionID: t.submission.ID,
			RunID:        run.ID,
			Score:        floatPtr(res.value.Score),
			Feedback:     strPtr(res.value.Feedback),
			GradingMeta:  res.value.Meta,
			GradedAt:     timePtr(time.Now()),
		})
		_ = e.gw.UpdateSubmissionDraft(ctx, t.submission.ID, res.value.Score, res.value.Feedback)
		_ = e.gw.AppendSubmissionEvent(ctx, domain.SubmissionEvent{
			ID:           uuid.New().String(),
			SubmissionID: t.submission.ID,
			EventType:    domain.EventAIGraded,
			RunID:        run.ID,
			Details:      map[string]any{"score": res.value.Score},
			CreatedAt:    time.Now(),
		})
		succeeded = append(succeeded, t.submission.ID)
		items = append(items, gradedItem{submission: t.submission, view: t.view, transcription: t.result, grade: res.value})
	}
	_ = e.setStatus(ctx, failed, domain.SubmissionFailure)
	_ = e.setStatus(ctx, succeeded, domain.SubmissionGraded)

	logger.Info("grading step completed")
	return items, true
}

// runValidation instantiates the workflow's validator, if configured, and
// runs it over every graded item. Validation never fails the run or the
// submission: it may only annotate GradeResult.Meta with its verdict. A
// validator setup failure is logged and the stage is skipped entirely
// rather than aborting the run, since validation is advisory.
func (e *execution) runValidation(ctx context.Context, run domain.WorkflowRun, workflow domain.Workflow, graded []gradedItem) {
	logger := e.sess.Logger
	if workflow.Validator == nil || len(graded) == 0 {
		return
	}
	logger.Info("starting validation step")

	instance, err := instantiatePlugin(e.runner.registry, workflow.Validator, logger.GetChild(workflow.Validator.PluginID))
	if err != nil {
		logger.Warning(fmt.Sprintf("validator unavailable, skipping validation: %v", err))
		return
	}
	validator, ok := instance.(pluginsdk.ValidationPlugin)
	if !ok {
		logger.Warning(fmt.Sprintf("plugin %s does not implement ValidationPlugin, skipping validation", workflow.Validator.PluginID))
		return
	}

	var results []dispatchResult[bool]
	if batch, isBatch := instance.(pluginsdk.ValidationBatchPlugin); isBatch {
		grades := make([]pluginsdk.GradeResult, len(graded))
		for i, g := range graded {
			grades[i] = g.grade
		}
		cctx, cancel := e.runner.pluginCtx(ctx)
		values, err := batch.ValidateBatch(cctx, grades)
		cancel()
		results = batchResults(values, err, len(graded))
	} else {
		results = dispatch(ctx, graded, e.runner.parallelism, func(g gradedItem) (bool, error) {
			cctx, cancel := e.runner.pluginCtx(ctx)
			defer cancel()
			return validator.ValidateOne(cctx, g.grade)
		})
	}

	for i, res := range results {
		g := graded[i]
		if res.err != nil {
			logger.Warning(fmt.Sprintf("validation failed for %s's submission: %v", g.submission.SubmitterID, res.err))
			continue
		}
		meta := g.grade.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		meta["validated"] = res.value
		_ = e.gw.UpsertSubmissionResult(ctx, domain.SubmissionResult{
			SubmissionID: g.submission.ID,
			RunID:        run.ID,
			GradingMeta:  meta,
		})
	}

	logger.Info("validation step completed")
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

// setStatus bulk-transitions every id in ids to status via a single
// UpdateSubmissions call and emitted envelope, rather than one write per
// submission. A nil or empty ids is a no-op.
func (e *execution) setStatus(ctx context.Context, ids []string, status domain.SubmissionStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return e.gw.UpdateSubmissions(ctx, ids, domain.SubmissionUpdate{Status: &status})
}

func submissionIDs(submissions []domain.Submission) []string {
	ids := make([]string, len(submissions))
	for i, s := range submissions {
		ids[i] = s.ID
	}
	return ids
}

func transcribedIDs(items []transcribedItem) []string {
	ids := make([]string, len(items))
	for i, t := range items {
		ids[i] = t.submission.ID
	}
	return ids
}
