// Package sessionmgr is the course-scoped front door to sessionrunner. It
// adds per-course session-creation rate limiting (golang.org/x/time/rate
// token buckets keyed by course id, so one misbehaving client cannot spawn
// unbounded concurrent runners) and exposes session lookup for the push
// channel and REST adapters.
package sessionmgr

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/streamspace/gradeflow/internal/apperrors"
	"github.com/streamspace/gradeflow/internal/domain"
	"github.com/streamspace/gradeflow/internal/sessionrunner"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

// Manager wraps a Runner with per-course admission control.
type Manager struct {
	runner *sessionrunner.Runner
	store  *sessionstore.Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateCfg  rate.Limit
	burstCfg int
}

// New creates a Manager whose per-course token buckets are parameterized by
// ratePerSecond and burst.
func New(runner *sessionrunner.Runner, store *sessionstore.Store, ratePerSecond float64, burst int) *Manager {
	return &Manager{
		runner:   runner,
		store:    store,
		limiters: make(map[string]*rate.Limiter),
		rateCfg:  rate.Limit(ratePerSecond),
		burstCfg: burst,
	}
}

func (m *Manager) limiterFor(courseID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[courseID]
	if !ok {
		l = rate.NewLimiter(m.rateCfg, m.burstCfg)
		m.limiters[courseID] = l
	}
	return l
}

// CreateSession starts a new session for courseID's workflow, subject to
// that course's rate limit.
func (m *Manager) CreateSession(ctx context.Context, courseID, workflowID string, submissionIDs []string, runBy string) (domain.WorkflowRun, error) {
	if !m.limiterFor(courseID).Allow() {
		return domain.WorkflowRun{}, apperrors.RateLimitExceeded("too many sessions started for this course recently")
	}
	return m.runner.StartRun(ctx, workflowID, submissionIDs, runBy)
}

// Get returns the in-memory Session for runID, or nil if it is not (or no
// longer) tracked.
func (m *Manager) Get(runID string) *sessionstore.Session {
	return m.store.Get(runID)
}

// Cancel requests that runID's session stop promptly: it cancels the
// context its SessionRunner goroutine is running under, which the driver
// observes at the next stage boundary or dispatch check, transitions the
// run to cancelled, and emits a close envelope. Reports whether a tracked
// session was found.
func (m *Manager) Cancel(runID string) bool {
	return m.store.Cancel(runID)
}

// Shutdown cancels every session this process is currently driving, waits
// up to ctx's deadline for their runner goroutines to finish recording a
// terminal run state, and then evicts whatever remains regardless of the
// usual grace window. It does not itself stop accepting new sessions; the
// caller (the HTTP server's shutdown path) is responsible for no longer
// routing CreateSession calls to this Manager first.
func (m *Manager) Shutdown(ctx context.Context) {
	m.store.CancelAll()
	m.store.Wait(ctx)
	m.store.EvictAll(ctx)
}
