// Package sessionrunner is the grading engine proper: it drives one
// WorkflowRun (a "session") through the transcription, grading, and
// validation pipeline stages, advancing the run and per-submission state
// machines and reporting progress through the owning Session's event bus.
//
// The ground rules: a run without a configured transcriber fails
// immediately; per-stage fan-out is bounded by a buffered-channel
// semaphore; a single submission's failure is captured per item and never
// aborts its siblings; and the SubmissionResult row is upserted
// incrementally as each stage produces its piece of it.
package sessionrunner

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/gradeflow/internal/apperrors"
	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/eventbus"
	"github.com/streamspace/gradeflow/internal/persistence"
	"github.com/streamspace/gradeflow/internal/pluginregistry"
	"github.com/streamspace/gradeflow/internal/pluginsdk"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

// terminalWriteTimeout bounds the detached-context writes reportFailure and
// reportCancelled make to record a run's terminal state even after the
// run's own context has been cancelled.
const terminalWriteTimeout = 10 * time.Second

// Runner owns the dependencies needed to execute sessions: persistence,
// plugin construction, and the in-memory session registry.
type Runner struct {
	gateway        persistence.Gateway
	registry       *pluginregistry.Registry
	store          *sessionstore.Store
	parallelism    int
	pluginTimeout  time.Duration
	logPersistence bool
}

// New creates a Runner. pluginTimeout bounds a single plugin invocation (one
// submission, one stage); zero means unbounded. logPersistence controls
// whether each run's log entries are durably appended via the gateway as
// they're emitted; disabled, a run's logs live only on the in-memory
// bus/replay buffer for the session's lifetime.
func New(gateway persistence.Gateway, registry *pluginregistry.Registry, store *sessionstore.Store, parallelism int, pluginTimeout time.Duration, logPersistence bool) *Runner {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Runner{
		gateway:        gateway,
		registry:       registry,
		store:          store,
		parallelism:    parallelism,
		pluginTimeout:  pluginTimeout,
		logPersistence: logPersistence,
	}
}

// StartRun validates the workflow exists, inserts a new WorkflowRun in the
// pending state, registers its Session, and launches the pipeline in the
// background. It returns as soon as the run is durably created; everything
// from "mark running" onward happens on the launched goroutine and is
// observed through the session's event stream.
func (r *Runner) StartRun(ctx context.Context, workflowID string, submissionIDs []string, runBy string) (domain.WorkflowRun, error) {
	workflow, err := r.gateway.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return domain.WorkflowRun{}, apperrors.WorkflowNotFound(workflowID)
	}

	run := domain.WorkflowRun{
		ID:            uuid.New().String(),
		WorkflowID:    workflow.ID,
		RunBy:         runBy,
		Status:        domain.RunPending,
		SubmissionIDs: submissionIDs,
	}
	if err := r.gateway.CreateRun(ctx, run); err != nil {
		return domain.WorkflowRun{}, apperrors.DatabaseError(err)
	}

	sess := r.store.Register(run.ID, nil)
	if r.logPersistence {
		r.wireLogPersistence(sess, run.ID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)

	exec := &execution{
		runner: r,
		sess:   sess,
		// Every write this run makes goes through a gateway bound to the
		// session's own bus, so subscribers observe an update envelope for
		// each committed state change.
		gw: persistence.WithBus(r.gateway, sess.Bus),
	}
	go exec.run(runCtx, workflow, run)

	return run, nil
}

// wireLogPersistence subscribes a handler on sess's "log" topic that appends
// each entry to the run's durable log history via the gateway. A failure is
// reported once and then suppressed for the rest of the run: a broken log
// row must not kill the session, and the report goes through the standard
// log package because the handler must not re-enter the queue it drains.
func (r *Runner) wireLogPersistence(sess *sessionstore.Session, runID string) {
	var reported int32
	sess.Bus.Subscribe("log", func(ctx context.Context, env eventbus.Envelope) error {
		var message string
		if payload, ok := env.Payload.(map[string]any); ok {
			message, _ = payload["message"].(string)
		}
		ts, err := time.Parse(time.RFC3339Nano, env.TS)
		if err != nil {
			ts = time.Now()
		}
		if err := r.gateway.AppendRunLog(ctx, runID, env.Level, message, ts); err != nil {
			if atomic.CompareAndSwapInt32(&reported, 0, 1) {
				log.Printf("[sessionrunner] run %s: failed to persist log entry, suppressing further log-persistence errors: %v", runID, err)
			}
		}
		return nil
	})
}

// pluginCtx derives the context a single plugin call runs under, applying
// the per-call timeout when one is configured. The deadline reaches the
// plugin only through ctx: a call that returns an error (such as the
// deadline error) counts as a per-item failure, never a run failure, while a
// call that ignores ctx is not interrupted and its result is used.
func (r *Runner) pluginCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.pluginTimeout > 0 {
		return context.WithTimeout(ctx, r.pluginTimeout)
	}
	return context.WithCancel(ctx)
}

// execution is the per-run view of the Runner: the session handle the run
// reports through and a gateway whose post-commit update envelopes land on
// that session's bus. Only the goroutine launched by StartRun touches it.
type execution struct {
	runner *Runner
	sess   *sessionstore.Session
	gw     persistence.Gateway
}

// run drives the full pipeline for one session. It never returns an error
// to a caller; every failure path calls reportFailure and returns. MarkDone
// is always signalled on return, regardless of which path was taken, so
// Manager.Shutdown can wait on session termination.
func (e *execution) run(ctx context.Context, workflow domain.Workflow, run domain.WorkflowRun) {
	defer e.sess.MarkDone()
	defer func() {
		// A panic anywhere in the driver (e.g. a plugin constructor called
		// directly from instantiatePlugin, outside dispatch's per-item
		// isolation) must not take the whole process down with it; every
		// other session's goroutine has to keep running.
		if rec := recover(); rec != nil {
			e.reportFailure(run, fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()

	logger := e.sess.Logger
	logger.Info(fmt.Sprintf("starting session for workflow %s (%d submissions)", workflow.Name, len(run.SubmissionIDs)))

	run.StartedAt = timePtr(time.Now())
	run.Status = domain.RunRunning
	if err := e.gw.UpdateRun(ctx, run); err != nil {
		e.reportFailure(run, "failed to mark run running", err)
		return
	}

	submissions, err := e.gw.LoadSubmissions(ctx, run.SubmissionIDs)
	if err != nil {
		e.reportFailure(run, "failed to load submissions", err)
		return
	}
	if len(submissions) == 0 {
		e.reportFailure(run, "no valid submissions found for this session", nil)
		return
	}

	processing := domain.SubmissionProcessing
	if err := e.gw.UpdateSubmissions(ctx, run.SubmissionIDs, domain.SubmissionUpdate{
		Status:        &processing,
		OfficialRunID: &run.ID,
	}); err != nil {
		e.reportFailure(run, "failed to mark submissions processing", err)
		return
	}

	if workflow.Transcriber == nil {
		e.reportFailure(run, "no transcription step found; processing without transcription is not supported", nil)
		return
	}

	views, err := e.buildViews(ctx, submissions)
	if err != nil {
		e.reportFailure(run, "failed to build submission views", err)
		return
	}

	transcribed, ok := e.runTranscription(ctx, run, workflow, submissions, views)
	if !ok {
		return
	}
	if cancelled(ctx) {
		e.reportCancelled(run, "cancelled")
		return
	}

	graded, ok := e.runGrading(ctx, run, workflow, transcribed)
	if !ok {
		return
	}
	if cancelled(ctx) {
		e.reportCancelled(run, "cancelled")
		return
	}

	e.runValidation(ctx, run, workflow, graded)

	run.Status = domain.RunSuccess
	run.FinishedAt = timePtr(time.Now())
	if err := e.gw.UpdateRun(ctx, run); err != nil {
		logger.Error(fmt.Sprintf("failed to mark run successful: %v", err))
	}
	e.close(ctx, "session completed")
}

// close flushes the session's LogQueue and then emits the final close
// envelope. The flush matters: log entries travel through the queue's
// single consumer while close is emitted on the bus directly, so without
// draining first a close could overtake still-queued log lines and break
// the "close is always the last envelope" contract.
func (e *execution) close(ctx context.Context, reason string) {
	flushCtx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	_ = e.sess.Queue.Flush(flushCtx)

	e.sess.Bus.Emit(ctx, "close", eventbus.Envelope{Type: "close", Reason: reason})
}

// buildViews constructs the flat pluginsdk.SubmissionView for every
// submission, loading each one's assignment, submitter, and artifacts.
func (e *execution) buildViews(ctx context.Context, submissions []domain.Submission) (map[string]pluginsdk.SubmissionView, error) {
	views := make(map[string]pluginsdk.SubmissionView, len(submissions))
	assignments := make(map[string]domain.Assignment)
	submitters := make(map[string]domain.Submitter)

	for _, s := range submissions {
		assignment, ok := assignments[s.AssignmentID]
		if !ok {
			var err error
			assignment, err = e.gw.LoadAssignment(ctx, s.AssignmentID)
			if err != nil {
				return nil, fmt.Errorf("load assignment %s: %w", s.AssignmentID, err)
			}
			assignments[s.AssignmentID] = assignment
		}

		submitter, ok := submitters[s.SubmitterID]
		if !ok {
			var err error
			submitter, err = e.gw.LoadSubmitter(ctx, s.SubmitterID)
			if err != nil {
				return nil, fmt.Errorf("load submitter %s: %w", s.SubmitterID, err)
			}
			submitters[s.SubmitterID] = submitter
		}

		artifacts, err := e.gw.LoadArtifacts(ctx, s.ArtifactIDs)
		if err != nil {
			return nil, fmt.Errorf("load artifacts for submission %s: %w", s.ID, err)
		}

		views[s.ID] = buildSubmissionView(s, assignment, submitter, artifacts)
	}
	return views, nil
}

func buildSubmissionView(s domain.Submission, a domain.Assignment, sub domain.Submitter, artifacts []domain.Artifact) pluginsdk.SubmissionView {
	deadline := ""
	if a.Deadline != nil {
		deadline = a.Deadline.Format(time.RFC3339)
	}
	artifactViews := make([]pluginsdk.ArtifactView, 0, len(artifacts))
	for _, art := range artifacts {
		artifactViews = append(artifactViews, pluginsdk.ArtifactView{
			Title:       art.Title,
			MIME:        art.MIME,
			StoragePath: art.StoragePath,
			StorageKind: art.StorageKind,
			Meta:        art.Meta,
		})
	}
	return pluginsdk.SubmissionView{
		ID: s.ID,
		Submitter: pluginsdk.SubmitterView{
			ID:    sub.ID,
			Name:  sub.Name,
			Email: sub.Email,
		},
		Assignment: pluginsdk.AssignmentView{
			ID:          a.ID,
			Title:       a.Title,
			Description: a.Description,
			Deadline:    deadline,
			MaxScore:    a.MaxGrade.Value,
		},
		Artifacts:   artifactViews,
		SubmittedAt: s.SubmittedAt.Format(time.RFC3339),
		Meta:        map[string]any{"status": string(s.Status)},
	}
}

// instantiatePlugin resolves, binds settings for, and constructs a plugin
// instance. All three classes of failure here (unknown plugin, bad
// settings, constructor error) are fatal to the run that needed the plugin.
func instantiatePlugin(registry *pluginregistry.Registry, slot *domain.PluginSlot, logger pluginsdk.Logger) (pluginsdk.Instance, error) {
	_, fields, ok := registry.Lookup(slot.PluginID)
	if !ok {
		return nil, fmt.Errorf("plugin %q not found", slot.PluginID)
	}
	bound, err := pluginregistry.BindSettings(fields, slot.Settings)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	instance, err := registry.Instantiate(slot.PluginID, logger)
	if err != nil {
		return nil, fmt.Errorf("initialization error: %w", err)
	}
	if configurable, ok := instance.(pluginsdk.Configurable); ok {
		if err := configurable.Configure(bound); err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
	}
	return instance, nil
}

func timePtr(t time.Time) *time.Time { return &t }

// forceFailureEligible reports whether an abort sweep (reportFailure or
// reportCancelled) should flip a submission still at status to failure.
// domain.CanTransitionSubmission alone is not enough here: the FSM table
// permits a single Graded→Failure hop (a later, separate action such as an
// instructor disputing an already-graded submission may legitimately take
// that step), but an abort sweep must NOT apply it: a submission that
// already finished grading before the run was aborted keeps that result.
func forceFailureEligible(status domain.SubmissionStatus) bool {
	if status == domain.SubmissionGraded {
		return false
	}
	return domain.CanTransitionSubmission(status, domain.SubmissionFailure)
}

// reportFailure marks the run and every still-non-terminal, not-yet-graded
// submission as failed, logs the reason, and emits a close envelope. Only
// submissions forceFailureEligible admits are touched; work a completed
// stage already recorded survives the abort.
//
// It always performs its writes on a freshly detached context rather than
// the run's (possibly already-cancelled) one, so a run that fails because
// its own context was cancelled can still durably record that fact.
func (e *execution) reportFailure(run domain.WorkflowRun, reason string, cause error) {
	if cause != nil {
		e.sess.Logger.Error(fmt.Sprintf("%s: %v", reason, cause))
	} else {
		e.sess.Logger.Error(reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	run.Status = domain.RunFailure
	run.FinishedAt = timePtr(time.Now())
	_ = e.gw.UpdateRun(ctx, run)
	_ = e.setStatus(ctx, e.eligibleSubmissionIDs(ctx, run.SubmissionIDs), domain.SubmissionFailure)

	e.close(ctx, reason)
}

// reportCancelled marks the run cancelled (a terminal status distinct from
// failure, since it is more informative to API consumers) and every
// submission forceFailureEligible admits failed, then emits a close envelope.
// Graded submissions keep their result; everything else not yet terminal,
// including a transcribed submission whose grading had not finished,
// becomes failure.
func (e *execution) reportCancelled(run domain.WorkflowRun, reason string) {
	e.sess.Logger.Error(fmt.Sprintf("session cancelled: %s", reason))

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	run.Status = domain.RunCancelled
	run.FinishedAt = timePtr(time.Now())
	_ = e.gw.UpdateRun(ctx, run)
	_ = e.setStatus(ctx, e.eligibleSubmissionIDs(ctx, run.SubmissionIDs), domain.SubmissionFailure)

	e.close(ctx, reason)
}

// eligibleSubmissionIDs loads the given submissions and returns the ids of
// those forceFailureEligible, for a single bulk UpdateSubmissions call in the
// abort paths rather than one write per submission.
func (e *execution) eligibleSubmissionIDs(ctx context.Context, submissionIDs []string) []string {
	submissions, err := e.gw.LoadSubmissions(ctx, submissionIDs)
	if err != nil {
		return nil
	}
	var eligible []string
	for _, s := range submissions {
		if forceFailureEligible(s.Status) {
			eligible = append(eligible, s.ID)
		}
	}
	return eligible
}

// cancelled reports whether ctx has been cancelled, without blocking.
func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
