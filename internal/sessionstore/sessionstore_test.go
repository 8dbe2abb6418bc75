package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/gradeflow/internal/eventbus"
)

func TestRegisterAndGet(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)
	require.NotNil(t, sess)
	assert.Equal(t, sess, store.Get("run-1"))
	assert.Equal(t, 1, store.Len())
}

func TestGetUnknownReturnsNil(t *testing.T) {
	store := New(0)
	assert.Nil(t, store.Get("missing"))
}

func TestRecordCapsReplayBufferAtReplayCap(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	for i := 0; i < ReplayCap+10; i++ {
		sess.Record(eventbus.Envelope{Type: "log"})
	}

	assert.Len(t, sess.Snapshot(), ReplayCap)
}

func TestRecordEvictsOldestFirst(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	for i := 0; i < ReplayCap; i++ {
		sess.Record(eventbus.Envelope{Type: "log", Reason: "first-batch"})
	}
	sess.Record(eventbus.Envelope{Type: "log", Reason: "overflow"})

	snapshot := sess.Snapshot()
	require.Len(t, snapshot, ReplayCap)
	assert.Equal(t, "overflow", snapshot[len(snapshot)-1].Reason)
	assert.Equal(t, "first-batch", snapshot[0].Reason)
}

func TestSessionBusEventsAreReplayable(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	sess.Bus.Emit(context.Background(), "log", eventbus.Envelope{Type: "log", Reason: "hello"})

	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "hello", snapshot[0].Reason)
}

func TestEvictRemovesSessionAndStopsQueue(t *testing.T) {
	store := New(0)
	store.Register("run-1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	store.Evict(ctx, "run-1")

	assert.Nil(t, store.Get("run-1"))
	assert.Equal(t, 0, store.Len())
}

func TestEvictIsIdempotent(t *testing.T) {
	store := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	store.Evict(ctx, "never-registered")
	store.Evict(ctx, "never-registered")
}

func TestEvictAllClearsEverySession(t *testing.T) {
	store := New(0)
	store.Register("run-1", nil)
	store.Register("run-2", nil)
	require.Equal(t, 2, store.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	store.EvictAll(ctx)

	assert.Equal(t, 0, store.Len())
}

func TestTrackedIDsReflectsRegisteredSessions(t *testing.T) {
	store := New(0)
	store.Register("run-1", nil)
	store.Register("run-2", nil)

	ids := store.TrackedIDs()
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, ids)
}

func TestCancelInvokesAttachedCancelFunc(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	var cancelled bool
	sess.SetCancel(func() { cancelled = true })

	assert.True(t, store.Cancel("run-1"))
	assert.True(t, cancelled)
}

func TestCancelWithoutAttachedFuncStillReportsFound(t *testing.T) {
	store := New(0)
	store.Register("run-1", nil)

	assert.True(t, store.Cancel("run-1"))
}

func TestCancelUnknownSessionReturnsFalse(t *testing.T) {
	store := New(0)
	assert.False(t, store.Cancel("missing"))
}

func TestCancelAllInvokesEveryAttachedCancelFunc(t *testing.T) {
	store := New(0)
	sess1 := store.Register("run-1", nil)
	sess2 := store.Register("run-2", nil)

	var n int
	sess1.SetCancel(func() { n++ })
	sess2.SetCancel(func() { n++ })

	store.CancelAll()
	assert.Equal(t, 2, n)
}

func TestDoneChannelClosesOnMarkDone(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	select {
	case <-sess.Done():
		t.Fatal("done channel closed before MarkDone")
	default:
	}

	sess.MarkDone()
	sess.MarkDone() // idempotent

	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel not closed after MarkDone")
	}
}

func TestStoreWaitReturnsOnceEveryTrackedSessionIsDone(t *testing.T) {
	store := New(0)
	sess := store.Register("run-1", nil)

	done := make(chan struct{})
	go func() {
		store.Wait(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the session was marked done")
	case <-time.After(20 * time.Millisecond):
	}

	sess.MarkDone()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after MarkDone")
	}
}

func TestStoreWaitReturnsOnContextDeadline(t *testing.T) {
	store := New(0)
	store.Register("run-1", nil) // never marked done

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		store.Wait(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not respect context deadline")
	}
}
