// Package pushchannel adapts a Session's event stream onto a websocket
// connection: replay buffered history first, then forward live envelopes,
// one connection per WorkflowRun subscription. The shared gorilla/websocket
// upgrader checks origins against an environment allowlist.
package pushchannel

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamspace/gradeflow/internal/eventbus"
	"github.com/streamspace/gradeflow/internal/sessionstore"
)

// Upgrader is the shared websocket.Upgrader for every push-channel
// connection, with an origin check driven by ALLOWED_ORIGINS.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		allowed := os.Getenv("ALLOWED_ORIGINS")
		if allowed == "" {
			allowed = "http://localhost:3000,http://localhost:5173"
		}
		if allowed == "*" {
			log.Println("WARNING: push channel accepting connections from all origins")
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range strings.Split(allowed, ",") {
			if strings.TrimSpace(o) == origin {
				return true
			}
		}
		log.Printf("push channel connection rejected from origin: %s", origin)
		return false
	},
}

const writeTimeout = 10 * time.Second

// Adapter binds one websocket connection to one Session: on Attach it
// replays the session's buffered history in order, then streams new
// envelopes live until the connection closes, the session closes, or a
// write fails.
type Adapter struct {
	conn *websocket.Conn

	mu     sync.Mutex
	active bool
}

// NewAdapter wraps conn.
func NewAdapter(conn *websocket.Conn) *Adapter {
	return &Adapter{conn: conn, active: true}
}

// Attach replays sess's buffered envelopes, then forwards every subsequent
// envelope until ctx is done or a write fails. A final envelope with Type
// "close" is sent before returning, matching the push-channel contract's
// explicit close signal.
//
// The subscription is registered before the buffer snapshot is taken, and
// live envelopes whose sequence number falls inside the replayed window are
// skipped, so an envelope emitted while the replay is in progress is
// delivered exactly once; this is what the IndexedBus's per-envelope
// sequence numbers exist for.
func (a *Adapter) Attach(ctx context.Context, sess *sessionstore.Session) error {
	live := make(chan eventbus.Envelope, 64)
	slow := make(chan struct{}, 1)
	subs := make([]eventbus.SubscriptionID, 0, 3)
	for _, topic := range []string{"log", "update", "close"} {
		id := sess.Bus.Subscribe(topic, func(_ context.Context, env eventbus.Envelope) error {
			select {
			case live <- env:
			default:
				// Blocking here would stall the bus's single Emit caller,
				// and with it every other subscriber of this session, so a
				// client that cannot keep up is dropped with a "slow
				// subscriber" close instead.
				select {
				case slow <- struct{}{}:
				default:
				}
			}
			return nil
		})
		subs = append(subs, id)
	}
	defer func() {
		for _, id := range subs {
			sess.Bus.Unsubscribe(id)
		}
	}()

	snapshot := sess.Snapshot()

	// A session that already emitted its close owes a late attacher exactly
	// one close envelope and nothing else, not a replay of the history.
	for _, env := range snapshot {
		if env.Type == "close" {
			a.sendClose(env.Reason)
			return nil
		}
	}

	var replayedThrough uint64
	for _, env := range snapshot {
		if err := a.send(env); err != nil {
			return err
		}
		if env.Seq > replayedThrough {
			replayedThrough = env.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			a.sendClose("context cancelled")
			return nil
		case <-slow:
			a.sendClose("slow subscriber")
			return nil
		case env := <-live:
			if env.Seq != 0 && env.Seq <= replayedThrough {
				continue
			}
			if err := a.send(env); err != nil {
				a.setInactive()
				return err
			}
			if env.Type == "close" {
				return nil
			}
		}
	}
}

func (a *Adapter) send(env eventbus.Envelope) error {
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteJSON(env); err != nil {
		a.setInactive()
		return err
	}
	return nil
}

func (a *Adapter) sendClose(reason string) {
	_ = a.send(eventbus.Envelope{Type: "close", Reason: reason})
}

// Close sends a final close envelope without ever attaching to a session.
// Used when the requested session does not exist: the channel is still
// accepted and the client learns why through the same wire contract every
// other subscriber sees.
func (a *Adapter) Close(reason string) {
	a.sendClose(reason)
}

func (a *Adapter) setInactive() {
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
}

// Active reports whether the last write to the connection succeeded.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
