package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogSinkWritesEventsAsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.log")
	sink := NewLogSink(path)

	ch := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, sink.Start(ctx, ch))

	ch <- New("e1", KindQuery, Metadata{SessionID: "sess-1"}, QueryRecord{ID: "q1", Text: "hi"})
	ch <- New("e2", KindResponse, Metadata{SessionID: "sess-1"}, ResponseRecord{ID: "r1", Text: "hello"})
	close(ch)

	require.NoError(t, sink.Stop())
	cancel()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, "e1", got.ID)
	require.Equal(t, KindQuery, got.EventKind)
}

func TestLogSinkStopReturnsAfterContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	sink := NewLogSink(path)

	ch := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sink.Start(ctx, ch))

	cancel()

	done := make(chan error, 1)
	go func() { done <- sink.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestLogSinkPathReturnsConfiguredPath(t *testing.T) {
	sink := NewLogSink("/tmp/whatever/events.log")
	require.Equal(t, "/tmp/whatever/events.log", sink.Path())
}
