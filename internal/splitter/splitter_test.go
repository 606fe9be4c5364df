package splitter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/eventbus"
)

func TestAttachPassthroughCopiesBytesUnmodified(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	src := strings.NewReader("hello, sidecar\n")
	var dst bytes.Buffer

	err := s.AttachPassthrough(src, &dst, nil)

	require.NoError(t, err)
	require.Equal(t, "hello, sidecar\n", dst.String())
	require.Equal(t, int64(len("hello, sidecar\n")), s.Metrics().BytesPassed)
}

func TestAttachAnalysisPublishesParsedEvents(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)

	var mu sync.Mutex
	var got []events.Event
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(eventbus.WildcardKind, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		wg.Done()
		return nil
	}, eventbus.SubscribeOptions{})

	tap := s.AttachAnalysis(events.SourceChild, "sess-1")

	line := fmt.Sprintf(`{"id":"e1","kind":"query","timestampMs":1,"payload":null,"metadata":{"sessionId":"","source":""}}`) + "\n"
	src := strings.NewReader(line)
	var dst bytes.Buffer

	require.NoError(t, s.AttachPassthrough(src, &dst, tap))

	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].ID)
	require.Equal(t, "sess-1", got[0].Meta.SessionID, "splitter stamps the session id when the parsed event omits one")
	require.Equal(t, events.SourceChild, got[0].Meta.Source)
}

func TestAttachAnalysisDoesNotMutateBytesPassed(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	tap := s.AttachAnalysis(events.SourceChild, "sess-1")

	src := strings.NewReader("unparseable garbage with no newline")
	var dst bytes.Buffer
	require.NoError(t, s.AttachPassthrough(src, &dst, tap))

	require.Equal(t, "unparseable garbage with no newline", dst.String())
}

func TestMetricsAggregatesParseErrorsAcrossTaps(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)

	stdoutTap := s.AttachAnalysis(events.SourceChild, "sess-1")
	stderrTap := s.AttachAnalysis(events.SourceChild, "sess-1")

	badLine := "{not json}\n"
	var dst bytes.Buffer
	require.NoError(t, s.AttachPassthrough(strings.NewReader(badLine), &dst, stdoutTap))
	require.NoError(t, s.AttachPassthrough(strings.NewReader(badLine), &dst, stderrTap))

	require.Eventually(t, func() bool {
		return s.Metrics().ParseErrors == 2
	}, 2*time.Second, 10*time.Millisecond, "expected parse errors from both taps to be summed")
}

func TestCleanupIsIdempotentAndStopsTaps(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	tap := s.AttachAnalysis(events.SourceChild, "sess-1")

	require.NotPanics(t, func() {
		s.Cleanup()
		s.Cleanup()
	})
	_, open := <-tap.queue
	require.False(t, open, "Cleanup closes the tap's queue")
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for analysis event")
	}
}
