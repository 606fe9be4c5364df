// Package orchestrator wires Store, BatchWriter, EventBus, PluginHost,
// Supervisor (ChildSupervisor), and Splitter (StreamSplitter) into one
// coherent run, and owns session identity and shutdown ordering.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/eventbus"
	"github.com/npratt/sidecar/internal/pluginhost"
	"github.com/npratt/sidecar/internal/splitter"
	"github.com/npratt/sidecar/internal/store"
	"github.com/npratt/sidecar/internal/supervisor"
)

// BatchWriter is the narrow surface orchestrator drives for persistence; it
// is satisfied by an instantiated *batchwriter.Writer[events.Record].
type BatchWriter interface {
	Add(item events.Record) bool
	Stop()
}

// Config configures one run.
type Config struct {
	BinaryPath         string
	Args               []string
	PluginsDir         string
	PluginFactory      pluginhost.Factory
	GracefulShutdownMs int
	UsePty             bool
	Logger             *slog.Logger
}

// Orchestrator composes and runs one session end-to-end.
type Orchestrator struct {
	cfg       Config
	sessionID string
	store     *store.Store
	bus       *eventbus.Bus
	batch     BatchWriter
	host      *pluginhost.Host
	sup       *supervisor.Supervisor
	split     *splitter.Splitter
	logger    *slog.Logger

	mu          sync.Mutex
	shutdownOne sync.Once
}

// New constructs an Orchestrator. The caller must have already opened st and
// wired bus/batch/host to it; New only takes ownership of shutdown
// ordering, not construction, so tests can substitute fakes for any of
// these collaborators.
func New(cfg Config, st *store.Store, bus *eventbus.Bus, batch BatchWriter, host *pluginhost.Host) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		store:     st,
		bus:       bus,
		batch:     batch,
		host:      host,
		split:     splitter.New(bus),
		logger:    logger,
	}
}

// SessionID returns the identity stamped onto every event this run emits.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Run spawns the child, wires the passthrough and analysis paths, forwards
// signals, and blocks until the child exits or ctx is canceled. It returns
// the child's exit code (or a synthesized 1/2 on orchestration/spawn
// failure), matching the CLI's exit-code contract.
func (o *Orchestrator) Run(ctx context.Context) int {
	if err := o.host.LoadAll(ctx, o.cfg.PluginsDir, o.cfg.PluginFactory); err != nil {
		o.logger.Error("orchestrator: plugin load failed", "error", err)
	}

	o.sup = supervisor.New(o.cfg.UsePty)
	handles, err := o.sup.Spawn(o.cfg.BinaryPath, o.cfg.Args, nil)
	if err != nil {
		o.logger.Error("orchestrator: spawn failed", "error", err)
		fmt.Fprintf(os.Stderr, "sidecar: failed to launch %s: %v\n", o.cfg.BinaryPath, err)
		return 2
	}

	stdoutTap := o.split.AttachAnalysis(events.SourceChild, o.sessionID)
	stderrTap := o.split.AttachAnalysis(events.SourceChild, o.sessionID)

	exitCh := make(chan supervisor.ExitResult, 1)
	o.sup.OnExit(func(r supervisor.ExitResult) { exitCh <- r })
	o.sup.OnError(func(err error) { o.logger.Warn("orchestrator: child stream error", "error", err) })
	o.sup.ForwardSignals()

	go func() { _, _ = io.Copy(handles.Stdin, os.Stdin) }()
	go func() {
		if err := o.split.AttachPassthrough(handles.Stdout, os.Stdout, stdoutTap); err != nil {
			o.logger.Warn("orchestrator: stdout passthrough error", "error", err)
		}
	}()
	go func() {
		if err := o.split.AttachPassthrough(handles.Stderr, os.Stderr, stderrTap); err != nil {
			o.logger.Warn("orchestrator: stderr passthrough error", "error", err)
		}
	}()

	select {
	case r := <-exitCh:
		o.shutdown(context.Background())
		if r.Signal != nil {
			return 1
		}
		return r.Code
	case <-ctx.Done():
		gracefulMs := o.cfg.GracefulShutdownMs
		if gracefulMs <= 0 {
			gracefulMs = 5000
		}
		result, err := o.sup.GracefulShutdown(time.Duration(gracefulMs) * time.Millisecond)
		o.shutdown(context.Background())
		if err != nil {
			_ = o.sup.Kill(syscall.SIGKILL, 0)
			return 1
		}
		return result.Code
	}
}

// shutdown runs the reverse-ordering teardown exactly once: detach analysis
// taps, drain the bus, shut plugins down, flush the batch writer, close the
// store, then clean up the child supervisor.
func (o *Orchestrator) shutdown(ctx context.Context) {
	o.shutdownOne.Do(func() {
		o.split.Cleanup()
		time.Sleep(50 * time.Millisecond) // let in-flight handlers settle
		o.host.Shutdown(ctx)
		o.batch.Stop()
		if err := o.store.Close(); err != nil {
			o.logger.Warn("orchestrator: store close error", "error", err)
		}
		o.sup.Cleanup()
	})
}

// Shutdown requests an in-process clean shutdown (used by the control
// plane), as distinct from the child exiting on its own.
func (o *Orchestrator) Shutdown() {
	o.shutdown(context.Background())
}

// Splitter exposes the StreamSplitter for metrics consumers (status view,
// control plane).
func (o *Orchestrator) Splitter() *splitter.Splitter { return o.split }

// Host exposes the PluginHost for metrics consumers.
func (o *Orchestrator) Host() *pluginhost.Host { return o.host }

// Bus exposes the EventBus for metrics consumers.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// controlStats is the shape returned by ControlStats to the control plane.
type controlStats struct {
	SessionID string             `json:"sessionId"`
	Splitter  splitter.Metrics   `json:"splitter"`
	Bus       eventbus.Metrics   `json:"bus"`
	Plugins   []string           `json:"pluginsEnabled"`
}

// ControlStats implements control.StatsProvider.
func (o *Orchestrator) ControlStats() any {
	return controlStats{
		SessionID: o.sessionID,
		Splitter:  o.split.Metrics(),
		Bus:       o.bus.Metrics(),
		Plugins:   o.host.Enabled(),
	}
}
