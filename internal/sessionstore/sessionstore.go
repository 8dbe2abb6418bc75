// Package sessionstore holds in-memory Session handles for runs currently
// tracked by the process. The map is a private field of Store with an
// explicit lifecycle (register on create, evict on terminal plus a grace
// window, force-evict on shutdown); callers only ever hold a *Session
// obtained through Register/Get, never the map itself.
package sessionstore

import (
	"context"
	"sync"

	"github.com/streamspace/gradeflow/internal/eventbus"
	"github.com/streamspace/gradeflow/internal/logqueue"
	"github.com/streamspace/gradeflow/internal/sessionlog"
)

// ReplayCap is the default maximum number of envelopes a Session retains
// for late-subscriber replay (overridable via New). The 501st envelope
// evicts the oldest.
const ReplayCap = 500

// Session is the live, in-process handle for one WorkflowRun: its event bus,
// logger, and a capped ring buffer of everything emitted so far, so a
// subscriber attaching mid-run can replay history before going live.
type Session struct {
	ID     string
	RunID  string
	Bus    *eventbus.IndexedBus
	Queue  *logqueue.LogQueue
	Logger *sessionlog.SessionLogger

	mu        sync.Mutex
	buffer    []eventbus.Envelope
	replayCap int
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
}

// SetCancel attaches the context.CancelFunc that stops the goroutine driving
// this session. Called once by the runner right after Register, since the
// cancelable context isn't constructed until StartRun has a run id to log
// against.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel invokes the session's cancel func, if one has been attached, and
// reports whether it did. Idempotent: context.CancelFunc itself tolerates
// repeated calls.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Done returns a channel that is closed once the runner goroutine driving
// this session has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// MarkDone signals that the runner goroutine driving this session has
// returned. Idempotent; safe to call at most once per goroutine but
// tolerates redundant calls.
func (s *Session) MarkDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Record appends env to the replay buffer, evicting the oldest entry once
// ReplayCap is exceeded. Called by whatever subscribes the store itself to
// the session's bus at Register time.
func (s *Session) Record(env eventbus.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.replayCap {
		s.buffer = append(s.buffer[1:], env)
		return
	}
	s.buffer = append(s.buffer, env)
}

// Snapshot returns a copy of the current replay buffer, safe to range over
// without holding the Session's lock.
func (s *Session) Snapshot() []eventbus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]eventbus.Envelope, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Store is the process-wide registry of live Sessions.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	replayCap int
}

// New creates an empty Store whose Sessions keep up to replayCap envelopes
// for late-subscriber replay; replayCap <= 0 applies the ReplayCap default
// (the LOG_BUFFER_SIZE configuration knob feeds this).
func New(replayCap int) *Store {
	if replayCap <= 0 {
		replayCap = ReplayCap
	}
	return &Store{sessions: make(map[string]*Session), replayCap: replayCap}
}

// Register creates and stores a new Session for runID, wiring a
// catch-everything subscription on every well-known topic that feeds the
// replay buffer. onErr is passed through to the session's own bus for
// handler-error reporting.
func (st *Store) Register(runID string, onErr func(topic string, err error)) *Session {
	bus := eventbus.NewIndexed(onErr)
	queue := logqueue.New(bus)
	sess := &Session{
		ID:        runID,
		RunID:     runID,
		Bus:       bus,
		Queue:     queue,
		Logger:    sessionlog.New(runID, queue),
		replayCap: st.replayCap,
		done:      make(chan struct{}),
	}

	for _, topic := range []string{"log", "update", "close"} {
		bus.Subscribe(topic, func(_ context.Context, env eventbus.Envelope) error {
			sess.Record(env)
			return nil
		})
	}

	st.mu.Lock()
	st.sessions[runID] = sess
	st.mu.Unlock()
	return sess
}

// Get returns the Session for runID, or nil if none is tracked.
func (st *Store) Get(runID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[runID]
}

// Evict stops runID's LogQueue and removes it from the store. Idempotent.
func (st *Store) Evict(ctx context.Context, runID string) {
	st.mu.Lock()
	sess := st.sessions[runID]
	delete(st.sessions, runID)
	st.mu.Unlock()

	if sess != nil && sess.Queue != nil {
		_ = sess.Queue.Stop(ctx)
	}
}

// EvictAll stops and removes every tracked Session. Used by the session
// manager's Shutdown; the scheduled sweep evicts one session at a time with
// Evict.
func (st *Store) EvictAll(ctx context.Context) {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, sess := range all {
		if sess.Queue != nil {
			_ = sess.Queue.Stop(ctx)
		}
	}
}

// Cancel looks up runID and cancels its session's driving context, if any.
// Reports whether a tracked session was found (not whether it had a cancel
// func attached yet).
func (st *Store) Cancel(runID string) bool {
	st.mu.RLock()
	sess := st.sessions[runID]
	st.mu.RUnlock()
	if sess == nil {
		return false
	}
	sess.Cancel()
	return true
}

// CancelAll invokes Cancel on every currently tracked Session, without
// removing them from the store: the runner goroutines are expected to
// observe cancellation, transition their run to a terminal status, and emit
// their own close envelope; eviction still happens through Evict/EvictAll.
func (st *Store) CancelAll() {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.RUnlock()

	for _, sess := range sessions {
		sess.Cancel()
	}
}

// Wait blocks until every Session tracked at the time of the call has
// signalled MarkDone, or ctx is done, whichever comes first. Sessions
// registered after Wait is called are not waited on.
func (st *Store) Wait(ctx context.Context) {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.RUnlock()

	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
}

// TrackedIDs returns the run ids of every currently tracked Session, in no
// particular order.
func (st *Store) TrackedIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len reports how many sessions are currently tracked.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
