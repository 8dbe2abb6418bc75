package sessionrunner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/eventbus"
	"github.com/streamspace/gradeflow/internal/pluginregistry"
	"github.com/streamspace/gradeflow/internal/pluginsdk"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

// fakeGateway is an in-memory persistence.Gateway double. It records every
// mutation so tests can assert on the sequence of state transitions without
// a real database.
type fakeGateway struct {
	mu sync.Mutex

	workflows   map[string]domain.Workflow
	submissions map[string]domain.Submission
	results     map[string]domain.SubmissionResult
	runs        map[string]domain.WorkflowRun
	events      []domain.SubmissionEvent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		workflows:   map[string]domain.Workflow{},
		submissions: map[string]domain.Submission{},
		results:     map[string]domain.SubmissionResult{},
		runs:        map[string]domain.WorkflowRun{},
	}
}

func (g *fakeGateway) LoadWorkflow(_ context.Context, id string) (domain.Workflow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wf, ok := g.workflows[id]
	if !ok {
		return domain.Workflow{}, assert.AnError
	}
	return wf, nil
}

func (g *fakeGateway) LoadRun(_ context.Context, id string) (domain.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs[id], nil
}

func (g *fakeGateway) LoadSubmissions(_ context.Context, ids []string) ([]domain.Submission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Submission, 0, len(ids))
	for _, id := range ids {
		if s, ok := g.submissions[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *fakeGateway) LoadAssignment(context.Context, string) (domain.Assignment, error) {
	return domain.Assignment{MaxGrade: domain.MaxGrade{Value: 100}}, nil
}

func (g *fakeGateway) LoadSubmitter(_ context.Context, id string) (domain.Submitter, error) {
	return domain.Submitter{ID: id, Name: id}, nil
}

func (g *fakeGateway) LoadArtifacts(context.Context, []string) ([]domain.Artifact, error) {
	return nil, nil
}

func (g *fakeGateway) CreateRun(_ context.Context, run domain.WorkflowRun) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[run.ID] = run
	return nil
}

func (g *fakeGateway) UpdateRun(_ context.Context, run domain.WorkflowRun) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[run.ID] = run
	return nil
}

func (g *fakeGateway) UpdateSubmissions(_ context.Context, ids []string, fields domain.SubmissionUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		s := g.submissions[id]
		if fields.Status != nil {
			s.Status = *fields.Status
		}
		if fields.OfficialRunID != nil {
			s.OfficialRunID = *fields.OfficialRunID
		}
		g.submissions[id] = s
	}
	return nil
}

func (g *fakeGateway) UpdateSubmissionDraft(_ context.Context, id string, score float64, feedback string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.submissions[id]
	s.DraftScore = &score
	s.DraftFeedback = &feedback
	g.submissions[id] = s
	return nil
}

func (g *fakeGateway) UpsertSubmissionResult(_ context.Context, result domain.SubmissionResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := result.SubmissionID + "/" + result.RunID
	existing, ok := g.results[key]
	if !ok {
		g.results[key] = result
		return nil
	}
	if result.Transcription != nil {
		existing.Transcription = result.Transcription
		existing.TranscriptionConfidence = result.TranscriptionConfidence
		existing.TranscribedAt = result.TranscribedAt
	}
	if result.Score != nil {
		existing.Score = result.Score
		existing.Feedback = result.Feedback
		existing.GradedAt = result.GradedAt
	}
	if result.GradingMeta != nil {
		existing.GradingMeta = result.GradingMeta
	}
	g.results[key] = existing
	return nil
}

func (g *fakeGateway) AppendSubmissionEvent(_ context.Context, event domain.SubmissionEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
	return nil
}

func (g *fakeGateway) AppendRunLog(context.Context, string, string, string, time.Time) error {
	return nil
}

// fakeTranscriber echoes a fixed transcription for every submission except
// ones whose submitter id is "fail-me".
type fakeTranscriber struct{}

func (fakeTranscriber) Meta() pluginsdk.Meta {
	return pluginsdk.Meta{ID: "fake-transcriber", Kind: pluginsdk.KindTranscription}
}
func (fakeTranscriber) Transcribe(_ context.Context, s pluginsdk.SubmissionView) (pluginsdk.TranscriptionResult, error) {
	if s.Submitter.ID == "fail-me" {
		return pluginsdk.TranscriptionResult{}, assert.AnError
	}
	return pluginsdk.TranscriptionResult{Transcription: "hello", Confidence: 0.9}, nil
}

type fakeGrader struct{}

func (fakeGrader) Meta() pluginsdk.Meta {
	return pluginsdk.Meta{ID: "fake-grader", Kind: pluginsdk.KindGrade}
}
func (fakeGrader) Grade(_ context.Context, t pluginsdk.TranscriptionResult, s *pluginsdk.SubmissionView) (pluginsdk.GradeResult, error) {
	return pluginsdk.GradeResult{Score: 42, Feedback: "nice work"}, nil
}

type fakeValidator struct{}

func (fakeValidator) Meta() pluginsdk.Meta {
	return pluginsdk.Meta{ID: "fake-validator", Kind: pluginsdk.KindValidation}
}
func (fakeValidator) ValidateOne(_ context.Context, g pluginsdk.GradeResult) (bool, error) {
	return true, nil
}

func buildRegistry(t *testing.T) *pluginregistry.Registry {
	t.Helper()
	r := pluginregistry.New()
	require.NoError(t, r.Register(pluginsdk.Meta{ID: "transcriber", Kind: pluginsdk.KindTranscription}, nil,
		func(pluginsdk.Logger) pluginsdk.Instance { return fakeTranscriber{} }))
	require.NoError(t, r.Register(pluginsdk.Meta{ID: "grader", Kind: pluginsdk.KindGrade}, nil,
		func(pluginsdk.Logger) pluginsdk.Instance { return fakeGrader{} }))
	require.NoError(t, r.Register(pluginsdk.Meta{ID: "validator", Kind: pluginsdk.KindValidation}, nil,
		func(pluginsdk.Logger) pluginsdk.Instance { return fakeValidator{} }))
	return r
}

// waitForClose blocks until sess's bus emits a close envelope or the timeout
// elapses, returning the envelope (or failing the test). The replay buffer
// is checked after subscribing, so a session that already closed before this
// call is still observed.
func waitForClose(t *testing.T, sess *sessionstore.Session, timeout time.Duration) eventbus.Envelope {
	t.Helper()
	done := make(chan eventbus.Envelope, 1)
	sess.Bus.Subscribe("close", func(_ context.Context, env eventbus.Envelope) error {
		select {
		case done <- env:
		default:
		}
		return nil
	})
	for _, env := range sess.Snapshot() {
		if env.Type == "close" {
			return env
		}
	}
	select {
	case env := <-done:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for session close")
		return eventbus.Envelope{}
	}
}

func TestRunnerFullPipelineSucceeds(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{
		ID:          "wf-1",
		Transcriber: &domain.PluginSlot{PluginID: "transcriber"},
		Grader:      &domain.PluginSlot{PluginID: "grader"},
		Validator:   &domain.PluginSlot{PluginID: "validator"},
	}
	gateway.submissions["sub-1"] = domain.Submission{ID: "sub-1", AssignmentID: "a1", SubmitterID: "student-1"}

	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"sub-1"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	require.NotNil(t, sess)

	env := waitForClose(t, sess, 2*time.Second)
	assert.Equal(t, "session completed", env.Reason)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, domain.RunSuccess, gateway.runs[run.ID].Status)
	assert.Equal(t, domain.SubmissionGraded, gateway.submissions["sub-1"].Status)

	result := gateway.results["sub-1/"+run.ID]
	require.NotNil(t, result.Score)
	assert.Equal(t, 42.0, *result.Score)
	require.NotNil(t, result.Transcription)
	assert.Equal(t, "hello", *result.Transcription)
	assert.Equal(t, true, result.GradingMeta["validated"])

	sub := gateway.submissions["sub-1"]
	require.NotNil(t, sub.DraftScore)
	assert.Equal(t, 42.0, *sub.DraftScore)
	require.NotNil(t, sub.DraftFeedback)
}

// TestRunnerUpdateEnvelopesReachSessionBus walks the happy path and checks
// the recorded stream of update envelopes: the run transitions observed by
// subscribers are exactly running→success, and the per-submission status
// transitions arrive as one batch envelope per stage boundary, in stage
// order.
func TestRunnerUpdateEnvelopesReachSessionBus(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{
		ID:          "wf-1",
		Transcriber: &domain.PluginSlot{PluginID: "transcriber"},
		Grader:      &domain.PluginSlot{PluginID: "grader"},
	}
	gateway.submissions["sub-1"] = domain.Submission{ID: "sub-1", AssignmentID: "a1", SubmitterID: "student-1"}

	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"sub-1"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	waitForClose(t, sess, 2*time.Second)

	var runStatuses []domain.RunStatus
	var subStatuses []domain.SubmissionStatus
	for _, env := range sess.Snapshot() {
		if env.Type != "update" {
			continue
		}
		switch env.Object {
		case "workflow_run":
			runStatuses = append(runStatuses, env.Payload.(map[string]any)["status"].(domain.RunStatus))
		case "submissions":
			items := env.Payload.([]map[string]any)
			require.NotEmpty(t, items)
			if status, ok := items[0]["status"].(domain.SubmissionStatus); ok {
				subStatuses = append(subStatuses, status)
			}
		}
	}

	assert.Equal(t, []domain.RunStatus{domain.RunRunning, domain.RunSuccess}, runStatuses)
	assert.Equal(t, []domain.SubmissionStatus{
		domain.SubmissionProcessing,
		domain.SubmissionTranscribing,
		domain.SubmissionTranscribed,
		domain.SubmissionGrading,
		domain.SubmissionGraded,
	}, subStatuses)
}

func TestRunnerFailsFastWithoutTranscriber(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{ID: "wf-1"}
	gateway.submissions["sub-1"] = domain.Submission{ID: "sub-1", AssignmentID: "a1", SubmitterID: "student-1"}

	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"sub-1"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	waitForClose(t, sess, 2*time.Second)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, domain.RunFailure, gateway.runs[run.ID].Status)
}

func TestRunnerIsolatesPerSubmissionTranscriptionFailure(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{
		ID:          "wf-1",
		Transcriber: &domain.PluginSlot{PluginID: "transcriber"},
		Grader:      &domain.PluginSlot{PluginID: "grader"},
	}
	gateway.submissions["sub-ok"] = domain.Submission{ID: "sub-ok", AssignmentID: "a1", SubmitterID: "student-1"}
	gateway.submissions["sub-bad"] = domain.Submission{ID: "sub-bad", AssignmentID: "a1", SubmitterID: "fail-me"}

	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"sub-ok", "sub-bad"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	waitForClose(t, sess, 2*time.Second)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, domain.RunSuccess, gateway.runs[run.ID].Status, "one submission's transcription failure must not fail the run")
	assert.Equal(t, domain.SubmissionGraded, gateway.submissions["sub-ok"].Status)
	assert.Equal(t, domain.SubmissionFailure, gateway.submissions["sub-bad"].Status)
}

func TestRunnerFailsWhenNoValidSubmissions(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{ID: "wf-1", Transcriber: &domain.PluginSlot{PluginID: "transcriber"}}

	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"does-not-exist"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	waitForClose(t, sess, 2*time.Second)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, domain.RunFailure, gateway.runs[run.ID].Status)
}

// blockingGrader counts its calls and blocks each one on release until the
// test signals it, so a test can cancel a session while a grade call is
// known to be in flight.
type blockingGrader struct {
	calls   *int32
	release chan struct{}
}

func (g *blockingGrader) Meta() pluginsdk.Meta {
	return pluginsdk.Meta{ID: "blocking-grader", Kind: pluginsdk.KindGrade}
}

func (g *blockingGrader) Grade(ctx context.Context, _ pluginsdk.TranscriptionResult, _ *pluginsdk.SubmissionView) (pluginsdk.GradeResult, error) {
	atomic.AddInt32(g.calls, 1)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return pluginsdk.GradeResult{Score: 1, Feedback: "ok"}, nil
}

// TestRunnerCancellationStopsDispatchAndPreservesCompletedWork:
// cancelling mid-grading must not start any new grade calls, must leave a
// submission that already finished grading as graded, and must flip
// submissions still in flight (or not yet reached) to failure, with the
// run itself landing on the distinct cancelled status.
func TestRunnerCancellationStopsDispatchAndPreservesCompletedWork(t *testing.T) {
	gateway := newFakeGateway()
	gateway.workflows["wf-1"] = domain.Workflow{
		ID:          "wf-1",
		Transcriber: &domain.PluginSlot{PluginID: "transcriber"},
		Grader:      &domain.PluginSlot{PluginID: "blocking-grader"},
	}
	for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
		gateway.submissions[id] = domain.Submission{ID: id, AssignmentID: "a1", SubmitterID: id}
	}

	registry := buildRegistry(t)
	var calls int32
	release := make(chan struct{})
	require.NoError(t, registry.Register(pluginsdk.Meta{ID: "blocking-grader", Kind: pluginsdk.KindGrade}, nil,
		func(pluginsdk.Logger) pluginsdk.Instance { return &blockingGrader{calls: &calls, release: release} }))

	store := sessionstore.New(0)
	// parallelism=1 so exactly one grade call is in flight at a time,
	// making "cancel while the first is blocked" deterministic.
	runner := New(gateway, registry, store, 1, 0, true)

	run, err := runner.StartRun(context.Background(), "wf-1", []string{"sub-1", "sub-2", "sub-3"}, "prof-1")
	require.NoError(t, err)

	sess := store.Get(run.ID)
	require.NotNil(t, sess)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 2*time.Second, time.Millisecond,
		"first grade call never started")

	require.True(t, sess.Cancel())
	close(release)

	env := waitForClose(t, sess, 2*time.Second)
	assert.Equal(t, "cancelled", env.Reason)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, domain.RunCancelled, gateway.runs[run.ID].Status)
	assert.Equal(t, domain.SubmissionGraded, gateway.submissions["sub-1"].Status,
		"a submission that already finished grading before cancellation must stay graded")
	assert.Equal(t, domain.SubmissionFailure, gateway.submissions["sub-2"].Status)
	assert.Equal(t, domain.SubmissionFailure, gateway.submissions["sub-3"].Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no grade call should start after cancellation is observed")
}

func TestRunnerUnknownWorkflowIsRejectedSynchronously(t *testing.T) {
	gateway := newFakeGateway()
	store := sessionstore.New(0)
	runner := New(gateway, buildRegistry(t), store, 2, 0, true)

	_, err := runner.StartRun(context.Background(), "no-such-workflow", []string{"sub-1"}, "prof-1")
	assert.Error(t, err)
}
