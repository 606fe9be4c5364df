package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npratt/sidecar/internal/eventbus"
	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/pluginhost"
	"github.com/npratt/sidecar/internal/store"
)

type fakeBatch struct {
	mu      sync.Mutex
	added   []events.Record
	stopped bool
}

func (b *fakeBatch) Add(item events.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.added = append(b.added, item)
	return true
}

func (b *fakeBatch) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeBatch) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	batch := &fakeBatch{}
	host := pluginhost.New(bus, st, slog.Default(), nil)

	cfg.PluginsDir = t.TempDir()
	return New(cfg, st, bus, batch, host), batch
}

func TestRunReturnsChildExitCode(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{BinaryPath: "sh", Args: []string{"-c", "exit 3"}, UsePty: false})

	code := orch.Run(context.Background())

	require.Equal(t, 3, code)
}

func TestRunReturnsTwoOnSpawnFailure(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{BinaryPath: "/no/such/binary-xyz", UsePty: false})

	code := orch.Run(context.Background())

	require.Equal(t, 2, code)
}

func TestRunGracefulShutdownOnContextCancel(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{
		BinaryPath:         "sh",
		Args:               []string{"-c", "trap 'exit 0' TERM; sleep 30"},
		UsePty:             false,
		GracefulShutdownMs: 2000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSessionIDIsStableAcrossAccessors(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{BinaryPath: "sh", Args: []string{"-c", "exit 0"}})

	id1 := orch.SessionID()
	stats := orch.ControlStats()

	id2 := orch.SessionID()
	require.Equal(t, id1, id2)
	require.NotEmpty(t, id1)
	_ = stats
}

func TestShutdownStopsBatchWriterAndIsIdempotent(t *testing.T) {
	orch, batch := newTestOrchestrator(t, Config{BinaryPath: "sh", Args: []string{"-c", "exit 0"}})

	code := orch.Run(context.Background())
	require.Equal(t, 0, code)

	require.True(t, batch.stopped)

	require.NotPanics(t, func() {
		orch.Shutdown()
		orch.Shutdown()
	})
}

func TestControlStatsReflectsSessionAndMetrics(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{BinaryPath: "sh", Args: []string{"-c", "exit 0"}})

	stats := orch.ControlStats()

	cs, ok := stats.(controlStats)
	require.True(t, ok)
	require.Equal(t, orch.SessionID(), cs.SessionID)
	require.Empty(t, cs.Plugins)
}
