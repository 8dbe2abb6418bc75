package sessionmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/gradeflow/internal/apperrors"
	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/pluginregistry"
	"github.com/streamspace/gradeflow/internal/sessionrunner"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

type fakeGateway struct {
	workflows map[string]domain.Workflow
}

func (g *fakeGateway) LoadWorkflow(_ context.Context, id string) (domain.Workflow, error) {
	wf, ok := g.workflows[id]
	if !ok {
		return domain.Workflow{}, assert.AnError
	}
	return wf, nil
}
func (g *fakeGateway) LoadRun(context.Context, string) (domain.WorkflowRun, error) { return domain.WorkflowRun{}, nil }
func (g *fakeGateway) LoadSubmissions(context.Context, []string) ([]domain.Submission, error) {
	return nil, nil
}
func (g *fakeGateway) LoadAssignment(context.Context, string) (domain.Assignment, error) {
	return domain.Assignment{}, nil
}
func (g *fakeGateway) LoadSubmitter(context.Context, string) (domain.Submitter, error) {
	return domain.Submitter{}, nil
}
func (g *fakeGateway) LoadArtifacts(context.Context, []string) ([]domain.Artifact, error) {
	return nil, nil
}
func (g *fakeGateway) CreateRun(context.Context, domain.WorkflowRun) error { return nil }
func (g *fakeGateway) UpdateRun(context.Context, domain.WorkflowRun) error { return nil }
func (g *fakeGateway) UpdateSubmissions(context.Context, []string, domain.SubmissionUpdate) error {
	return nil
}
func (g *fakeGateway) UpdateSubmissionDraft(context.Context, string, float64, string) error {
	return nil
}
func (g *fakeGateway) UpsertSubmissionResult(context.Context, domain.SubmissionResult) error {
	return nil
}
func (g *fakeGateway) AppendSubmissionEvent(context.Context, domain.SubmissionEvent) error {
	return nil
}
func (g *fakeGateway) AppendRunLog(context.Context, string, string, string, time.Time) error {
	return nil
}

func newTestManager(t *testing.T, rate float64, burst int) *Manager {
	t.Helper()
	gateway := &fakeGateway{workflows: map[string]domain.Workflow{
		"wf-1": {ID: "wf-1", Name: "Test Workflow"},
	}}
	store := sessionstore.New(0)
	runner := sessionrunner.New(gateway, pluginregistry.New(), store, 4, 0, false)
	return New(runner, store, rate, burst)
}

func TestCreateSessionSucceedsWithinBurst(t *testing.T) {
	mgr := newTestManager(t, 1, 2)
	_, err := mgr.CreateSession(context.Background(), "course-1", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err)
}

func TestCreateSessionRateLimitedAfterBurstExhausted(t *testing.T) {
	mgr := newTestManager(t, 0.001, 1)

	_, err := mgr.CreateSession(context.Background(), "course-1", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err)

	_, err = mgr.CreateSession(context.Background(), "course-1", "wf-1", []string{"s1"}, "prof-1")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, appErr.Code)
}

func TestCreateSessionRateLimitIsPerCourse(t *testing.T) {
	mgr := newTestManager(t, 0.001, 1)

	_, err := mgr.CreateSession(context.Background(), "course-A", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err)

	_, err = mgr.CreateSession(context.Background(), "course-B", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err, "a different course must have its own token bucket")
}

func TestCreateSessionUnknownWorkflow(t *testing.T) {
	mgr := newTestManager(t, 10, 10)
	_, err := mgr.CreateSession(context.Background(), "course-1", "missing", []string{"s1"}, "prof-1")
	assert.Error(t, err)
}

func TestGetReturnsNilForUntrackedSession(t *testing.T) {
	mgr := newTestManager(t, 10, 10)
	assert.Nil(t, mgr.Get("never-started"))
}

func TestCancelDelegatesToStore(t *testing.T) {
	mgr := newTestManager(t, 10, 10)
	run, err := mgr.CreateSession(context.Background(), "course-1", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err)

	assert.True(t, mgr.Cancel(run.ID))
	assert.False(t, mgr.Cancel("never-started"))
}

func TestShutdownCancelsAndEvictsEverySession(t *testing.T) {
	mgr := newTestManager(t, 10, 10)
	run, err := mgr.CreateSession(context.Background(), "course-1", "wf-1", []string{"s1"}, "prof-1")
	require.NoError(t, err)
	require.NotNil(t, mgr.Get(run.ID))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	assert.Nil(t, mgr.Get(run.ID))
}
