package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/npratt/sidecar/internal/events"
)

func testEvent(kind events.Kind) events.Event {
	return events.New("id", kind, events.Metadata{SessionID: "s1", Source: events.SourceChild}, nil)
}

func TestSubscribeExactKindReceivesOnlyThatKind(t *testing.T) {
	b := New()
	var got []events.Kind
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		got = append(got, ev.EventKind)
		return nil
	}, SubscribeOptions{})

	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	require.NoError(t, b.Publish(testEvent(events.KindResponse)))

	require.Equal(t, []events.Kind{events.KindQuery}, got)
}

func TestWildcardSubscriberReceivesEveryKind(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(WildcardKind, func(_ context.Context, ev events.Event) error {
		count++
		return nil
	}, SubscribeOptions{})

	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	require.NoError(t, b.Publish(testEvent(events.KindResponse)))
	require.NoError(t, b.Publish(testEvent(events.KindToolUse)))

	require.Equal(t, 3, count)
}

func TestSubscriberDeliveryIsExactlyOncePerPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	counts := map[string]int{}
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		counts["kind:"+ev.ID]++
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	b.Subscribe(WildcardKind, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		counts["wildcard:"+ev.ID]++
		mu.Unlock()
		return nil
	}, SubscribeOptions{})

	ev := events.New("once-1", events.KindQuery, events.Metadata{SessionID: "s1", Source: events.SourceChild}, nil)
	require.NoError(t, b.Publish(ev))

	require.Equal(t, 1, counts["kind:once-1"], "each subscriber observes the event exactly once")
	require.Equal(t, 1, counts["wildcard:once-1"], "each subscriber observes the event exactly once")
}

func TestFilterSkipsNonMatchingEvents(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		got = append(got, ev.ID)
		return nil
	}, SubscribeOptions{Filter: func(ev events.Event) bool { return ev.ID == "keep" }})

	require.NoError(t, b.Publish(events.New("keep", events.KindQuery, events.Metadata{Source: events.SourceChild}, nil)))
	require.NoError(t, b.Publish(events.New("drop", events.KindQuery, events.Metadata{Source: events.SourceChild}, nil)))

	require.Equal(t, []string{"keep"}, got)
}

func TestPriorityOrdersDispatchDescending(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		order = append(order, "low")
		return nil
	}, SubscribeOptions{Priority: 1})
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		order = append(order, "high")
		return nil
	}, SubscribeOptions{Priority: 10})

	require.NoError(t, b.Publish(testEvent(events.KindQuery)))

	require.Equal(t, []string{"high", "low"}, order)
}

func TestOnceUnsubscribesAfterFirstInvocation(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		count++
		return nil
	}, SubscribeOptions{Once: true})

	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	require.NoError(t, b.Publish(testEvent(events.KindQuery)))

	require.Equal(t, 1, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	h := b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		count++
		return nil
	}, SubscribeOptions{})

	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	b.Unsubscribe(h)
	require.NoError(t, b.Publish(testEvent(events.KindQuery)))

	require.Equal(t, 1, count)
}

func TestHandlerErrorIsIsolatedAndEmitsSyntheticErrorEvent(t *testing.T) {
	b := New()
	var sawError bool
	b.Subscribe(events.KindError, func(_ context.Context, ev events.Event) error {
		sawError = true
		return nil
	}, SubscribeOptions{})
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		return errors.New("boom")
	}, SubscribeOptions{})

	err := b.Publish(testEvent(events.KindQuery))

	require.NoError(t, err, "a handler failure must not fail Publish")
	require.True(t, sawError, "a handler failure should fan out a synthetic error event")
	require.Equal(t, int64(1), b.Metrics().ErrorCount)
}

func TestHandlerPanicIsRecoveredAsError(t *testing.T) {
	b := New()
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		panic("kaboom")
	}, SubscribeOptions{})

	require.NotPanics(t, func() {
		_ = b.Publish(testEvent(events.KindQuery))
	})
	require.Equal(t, int64(1), b.Metrics().ErrorCount)
}

func TestReplayDeliversBufferedHistoryToNewSubscriber(t *testing.T) {
	b := New()
	b.EnableReplay(8)

	require.NoError(t, b.Publish(events.New("r1", events.KindQuery, events.Metadata{Source: events.SourceChild}, nil)))
	require.NoError(t, b.Publish(events.New("r2", events.KindQuery, events.Metadata{Source: events.SourceChild}, nil)))

	var replayed []string
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		replayed = append(replayed, ev.ID)
		return nil
	}, SubscribeOptions{Replay: true})

	require.Equal(t, []string{"r1", "r2"}, replayed)
}

func TestReplayBufferIsBoundedByCapacity(t *testing.T) {
	b := New()
	b.EnableReplay(2)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(events.New(id, events.KindQuery, events.Metadata{Source: events.SourceChild}, nil)))
	}

	var replayed []string
	b.Subscribe(events.KindQuery, func(_ context.Context, ev events.Event) error {
		replayed = append(replayed, ev.ID)
		return nil
	}, SubscribeOptions{Replay: true})

	require.Equal(t, []string{"b", "c"}, replayed)
}

func TestPublishAfterCloseReturnsErrClosed(t *testing.T) {
	b := New()
	b.Close()

	err := b.Publish(testEvent(events.KindQuery))

	require.ErrorIs(t, err, ErrClosed)
}

func TestMetricsCountsPublishedEventsPerKind(t *testing.T) {
	b := New()
	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	require.NoError(t, b.Publish(testEvent(events.KindQuery)))
	require.NoError(t, b.Publish(testEvent(events.KindResponse)))

	m := b.Metrics()

	require.Equal(t, int64(3), m.TotalPublished)
	require.Equal(t, int64(2), m.PerKindCounts[events.KindQuery])
	require.Equal(t, int64(1), m.PerKindCounts[events.KindResponse])
}
