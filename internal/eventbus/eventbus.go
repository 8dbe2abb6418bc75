// Package eventbus implements the typed publish/subscribe primitive the
// session engine is built on.
//
// Handlers are identified by opaque subscription tokens rather than
// function identity, Emit delivers to every subscriber of a topic in
// subscription order and awaits each one before returning, and an
// IndexedBus variant stamps a strictly monotonic sequence number on every
// payload so subscribers can detect loss or reorder independently.
//
// Ordering contract: for any two Emit calls on the same topic that are
// serialized through a single caller (the LogQueue's consumer is the only
// caller that matters for the session engine), handlers observe them in
// enqueue order, because Emit does not return until every handler for that
// call has run.
package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Envelope is the wire-level message delivered to subscribers. Every
// envelope has a Type; the other fields are populated according to that
// type, mirroring the push-channel contract: log, update, close.
type Envelope struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	TS      string `json:"ts,omitempty"`
	Level   string `json:"level,omitempty"`
	Object  string `json:"object,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Handler receives one Envelope. A handler that does work asynchronously
// should do so internally (e.g. hand off to its own goroutine) if it does
// not want to block the bus; the bus itself always awaits the call so that
// ordering on a topic is a function of caller, not transport.
type Handler func(ctx context.Context, env Envelope) error

// SubscriptionID is an opaque token returned by Subscribe and accepted by
// Unsubscribe. Representing subscriptions as tokens instead of function
// references avoids the fragile function-identity comparisons that creep in
// when handlers are closures.
type SubscriptionID string

type entry struct {
	id      SubscriptionID
	handler Handler
}

// Bus is a topic-keyed publish/subscribe primitive. All methods are safe
// for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]entry
	// onHandlerError receives handler errors and panics; the bus logs and
	// swallows them by default so one failing handler never stops another
	// or aborts the emitting call.
	onHandlerError func(topic string, err error)
}

// New creates an empty Bus. If onHandlerError is nil, handler errors are
// logged via the standard log package.
func New(onHandlerError func(topic string, err error)) *Bus {
	if onHandlerError == nil {
		onHandlerError = func(topic string, err error) {
			log.Printf("[eventbus] handler error on topic %s: %v", topic, err)
		}
	}
	return &Bus{
		subs:           make(map[string][]entry),
		onHandlerError: onHandlerError,
	}
}

// Subscribe registers handler for topic and returns a token usable with
// Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriptionID(uuid.New().String())
	b.subs[topic] = append(b.subs[topic], entry{id: id, handler: handler})
	return id
}

// Unsubscribe removes a previously registered handler. Idempotent: removing
// an unknown or already-removed id is a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, entries := range b.subs {
		for i, e := range entries {
			if e.id == id {
				b.subs[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers env to every subscriber of topic, in subscription order,
// awaiting each handler before moving to the next. Handler errors and
// panics are reported via onHandlerError and do not stop delivery to the
// remaining handlers or propagate to the caller.
func (b *Bus) Emit(ctx context.Context, topic string, env Envelope) {
	b.mu.RLock()
	handlers := make([]entry, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.RUnlock()

	for _, e := range handlers {
		b.callHandler(ctx, topic, e.handler, env)
	}
}

func (b *Bus) callHandler(ctx context.Context, topic string, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.onHandlerError(topic, fmt.Errorf("handler panicked: %v", r))
		}
	}()
	if err := h(ctx, env); err != nil {
		b.onHandlerError(topic, err)
	}
}

// IndexedBus wraps Bus and assigns each outgoing envelope a strictly
// monotonic per-bus sequence number under an internal lock before
// delivering it, so subscribers can independently detect loss or reorder.
type IndexedBus struct {
	bus *Bus

	mu  sync.Mutex
	seq uint64
}

// NewIndexed creates an IndexedBus backed by a fresh Bus.
func NewIndexed(onHandlerError func(topic string, err error)) *IndexedBus {
	return &IndexedBus{bus: New(onHandlerError)}
}

// Subscribe delegates to the underlying Bus.
func (ib *IndexedBus) Subscribe(topic string, handler Handler) SubscriptionID {
	return ib.bus.Subscribe(topic, handler)
}

// Unsubscribe delegates to the underlying Bus.
func (ib *IndexedBus) Unsubscribe(id SubscriptionID) {
	ib.bus.Unsubscribe(id)
}

// Emit stamps env.Seq with the next sequence number, then delivers it on
// topic exactly like Bus.Emit.
func (ib *IndexedBus) Emit(ctx context.Context, topic string, env Envelope) {
	ib.mu.Lock()
	ib.seq++
	env.Seq = ib.seq
	ib.mu.Unlock()

	ib.bus.Emit(ctx, topic, env)
}
