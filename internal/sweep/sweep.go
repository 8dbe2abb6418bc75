// Package sweep runs the scheduled eviction of terminated sessions:
// without it, every completed run's in-memory Session (bus, LogQueue
// goroutine, replay buffer) would live for the rest of the process. The
// schedule comes from configuration, driven by github.com/robfig/cron/v3.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace/gradeflow/internal/persistence"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

// Sweeper periodically evicts Sessions whose WorkflowRun reached a terminal
// status more than grace ago.
type Sweeper struct {
	store   *sessionstore.Store
	gateway persistence.Gateway
	grace   time.Duration
	cron    *cron.Cron
}

// New creates a Sweeper. It does not start running until Start is called.
func New(store *sessionstore.Store, gateway persistence.Gateway, grace time.Duration) *Sweeper {
	return &Sweeper{store: store, gateway: gateway, grace: grace, cron: cron.New()}
}

// Start schedules the sweep on schedule (standard five-field cron syntax)
// and begins running it in the background.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight run to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evicted := 0
	for _, runID := range s.candidates() {
		run, err := s.gateway.LoadRun(ctx, runID)
		if err != nil {
			continue
		}
		if !run.Status.IsTerminal() || run.FinishedAt == nil {
			continue
		}
		if time.Since(*run.FinishedAt) < s.grace {
			continue
		}
		s.store.Evict(ctx, runID)
		evicted++
	}
	if evicted > 0 {
		log.Printf("[sweep] evicted %d terminated session(s)", evicted)
	}
}

// candidates lists the run ids currently tracked in-memory. Exposed as its
// own method so tests can stub the store behind an interface if needed.
func (s *Sweeper) candidates() []string {
	return s.store.TrackedIDs()
}
