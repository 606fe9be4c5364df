// Package eventbus implements a typed publish/subscribe bus for
// events.Event, with wildcard subscriptions, per-subscriber filters, a
// bounded replay buffer, and error isolation between subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/npratt/sidecar/internal/events"
)

// ErrClosed is returned by Publish/PublishAsync once the bus has been
// closed.
var ErrClosed = errors.New("eventbus: bus is closed")

// WildcardKind subscribes a handler to every event kind.
const WildcardKind events.Kind = "*"

// Handler reacts to a published Event. A non-nil error is converted into a
// synthetic error-kind Event rather than propagated to the publisher.
type Handler func(ctx context.Context, ev events.Event) error

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	// Filter, if set, gates delivery: handler is skipped (uncounted as an
	// error) when Filter returns false.
	Filter func(events.Event) bool
	// Replay delivers buffered history (if enabled) to this subscriber
	// before any live events.
	Replay bool
	// Priority governs dispatch order within a single publish: higher
	// priority runs first; ties break by registration order.
	Priority int
	// Once unsubscribes the handler automatically after its first
	// invocation (whether or not it errored).
	Once bool
}

// Handle identifies a subscription for later Unsubscribe.
type Handle uint64

type subscription struct {
	handle   Handle
	kind     events.Kind
	handler  Handler
	opts     SubscribeOptions
	seq      uint64
	disabled bool
}

// Metrics is the snapshot returned by Bus.Metrics.
type Metrics struct {
	TotalPublished int64
	PerKindCounts  map[events.Kind]int64
	ListenerCounts map[events.Kind]int
	ErrorCount     int64
}

// Bus is a synchronous-by-default typed event bus.
type Bus struct {
	mu            sync.RWMutex
	subsByKind    map[events.Kind][]*subscription
	nextHandle    Handle
	nextSeq       uint64
	closed        bool
	totalPub      int64
	perKind       map[events.Kind]int64
	errCount      int64
	replayEnabled bool
	replayCap     int
	replayBuf     []events.Event
	inErrorFanout map[Handle]bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subsByKind:    make(map[events.Kind][]*subscription),
		perKind:       make(map[events.Kind]int64),
		inErrorFanout: make(map[Handle]bool),
	}
}

// Subscribe registers handler for kind (or WildcardKind for all kinds).
// If opts.Replay is set and replay is enabled, buffered history matching
// kind is delivered synchronously to handler before Subscribe returns.
func (b *Bus) Subscribe(kind events.Kind, handler Handler, opts SubscribeOptions) Handle {
	b.mu.Lock()
	b.nextHandle++
	b.nextSeq++
	sub := &subscription{
		handle:  b.nextHandle,
		kind:    kind,
		handler: handler,
		opts:    opts,
		seq:     b.nextSeq,
	}
	b.subsByKind[kind] = append(b.subsByKind[kind], sub)

	var backlog []events.Event
	if opts.Replay && b.replayEnabled {
		backlog = append(backlog, b.replayBuf...)
	}
	b.mu.Unlock()

	for _, ev := range backlog {
		if kind != WildcardKind && ev.EventKind != kind {
			continue
		}
		if opts.Filter != nil && !opts.Filter(ev) {
			continue
		}
		_ = handler(context.Background(), ev)
	}

	return sub.handle
}

// Unsubscribe removes a single subscription by handle.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, subs := range b.subsByKind {
		for i, s := range subs {
			if s.handle == h {
				b.subsByKind[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RemoveAllFor removes every subscription registered for kind.
func (b *Bus) RemoveAllFor(kind events.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subsByKind, kind)
}

// EnableReplay activates a bounded ring buffer of the most recent capacity
// events, delivered to future Replay-opted-in subscribers ahead of live
// events.
func (b *Bus) EnableReplay(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replayEnabled = true
	b.replayCap = capacity
	if b.replayBuf == nil {
		b.replayBuf = make([]events.Event, 0, capacity)
	}
}

// Publish synchronously fans ev out to every matching subscriber in
// descending priority order (ties by registration order). Handler failures
// are isolated: they become synthetic error events rather than aborting the
// fan-out or returning to the caller.
func (b *Bus) Publish(ev events.Event) error {
	return b.dispatch(context.Background(), ev)
}

// PublishAsync fans ev out exactly like Publish (sequentially, on the
// caller's goroutine, in the same order) but hands ctx to each handler; an
// individual handler's failure does not fail the aggregate call.
func (b *Bus) PublishAsync(ctx context.Context, ev events.Event) error {
	return b.dispatch(ctx, ev)
}

func (b *Bus) dispatch(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.totalPub++
	b.perKind[ev.EventKind]++
	if b.replayEnabled {
		b.replayBuf = append(b.replayBuf, ev)
		if len(b.replayBuf) > b.replayCap {
			b.replayBuf = b.replayBuf[len(b.replayBuf)-b.replayCap:]
		}
	}

	targets := b.matchingSubs(ev.EventKind)
	b.mu.Unlock()

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].opts.Priority != targets[j].opts.Priority {
			return targets[i].opts.Priority > targets[j].opts.Priority
		}
		return targets[i].seq < targets[j].seq
	})

	var toUnsubscribe []Handle
	for _, sub := range targets {
		if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
			continue
		}
		b.invoke(ctx, sub, ev)
		if sub.opts.Once {
			toUnsubscribe = append(toUnsubscribe, sub.handle)
		}
	}
	for _, h := range toUnsubscribe {
		b.Unsubscribe(h)
	}
	return nil
}

// matchingSubs returns a copy of the subscriptions that should observe an
// event of kind, combining kind-specific and wildcard subscribers. Callers
// must hold b.mu.
func (b *Bus) matchingSubs(kind events.Kind) []*subscription {
	var out []*subscription
	out = append(out, b.subsByKind[kind]...)
	if kind != WildcardKind {
		out = append(out, b.subsByKind[WildcardKind]...)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev events.Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return sub.handler(ctx, ev)
	}()
	if err == nil {
		return
	}

	b.mu.Lock()
	b.errCount++
	b.mu.Unlock()

	if ev.EventKind == events.KindError {
		// A subscriber to error events that itself fails is dropped from
		// this fan-out to prevent recursive error storms.
		b.mu.Lock()
		already := b.inErrorFanout[sub.handle]
		b.mu.Unlock()
		if already {
			return
		}
	}

	synthetic := events.New("", events.KindError, ev.Meta, map[string]any{
		"cause":       err.Error(),
		"failingKind": ev.EventKind,
		"handlerId":   sub.handle,
	})

	b.mu.Lock()
	b.inErrorFanout[sub.handle] = true
	b.mu.Unlock()
	_ = b.dispatch(ctx, synthetic)
	b.mu.Lock()
	delete(b.inErrorFanout, sub.handle)
	b.mu.Unlock()
}

// Metrics returns a snapshot of bus-wide counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	perKind := make(map[events.Kind]int64, len(b.perKind))
	for k, v := range b.perKind {
		perKind[k] = v
	}
	listenerCounts := make(map[events.Kind]int, len(b.subsByKind))
	for k, subs := range b.subsByKind {
		listenerCounts[k] = len(subs)
	}

	return Metrics{
		TotalPublished: b.totalPub,
		PerKindCounts:  perKind,
		ListenerCounts: listenerCounts,
		ErrorCount:     b.errCount,
	}
}

// Close marks the bus closed; further Publish/PublishAsync calls return
// ErrClosed. Close does not wait for in-flight dispatch (Publish is
// synchronous, so by the time Close is called under the Orchestrator's
// shutdown ordering, no dispatch can be in flight on another goroutine
// without external synchronization).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// drainTimeout is exposed for callers (Orchestrator) that want to bound how
// long they wait for asynchronous handler work to settle before Close.
const drainTimeout = 5 * time.Second

// DrainTimeout returns a default bound for waiting on in-flight
// PublishAsync calls before closing the bus. The Orchestrator does not call
// it.
func DrainTimeout() time.Duration { return drainTimeout }
