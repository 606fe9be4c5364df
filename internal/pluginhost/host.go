package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/npratt/sidecar/internal/events"
)

// CircuitState is the external representation of a plugin's breaker state.
type CircuitState string

// Recognized circuit states.
const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// PluginMetrics is the snapshot returned by Host.PluginMetrics.
type PluginMetrics struct {
	Invocations  int64
	Failures     int64
	Timeouts     int64
	AvgLatencyMs float64
	CircuitState CircuitState
}

type loadedPlugin struct {
	manifest events.PluginManifest
	instance Plugin
	enabled  bool
	disabledReason string
	circuit  *circuitState

	mu           sync.Mutex
	invocations  int64
	failures     int64
	timeouts     int64
	sumLatencyMs int64
}

// Host discovers, orders, initializes, dispatches to, and tears down
// plugins for one run.
type Host struct {
	bus    Bus
	store  Store
	logger *slog.Logger
	config map[string]map[string]any

	mu      sync.RWMutex
	plugins []*loadedPlugin
	shared  *sharedState
}

// New creates a Host. bus and store are the narrow interfaces plugins are
// given through their Context; config maps a plugin name to an operator
// overlay merged over that plugin's own manifest-declared config block.
func New(bus Bus, store Store, logger *slog.Logger, config map[string]map[string]any) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		bus:    bus,
		store:  store,
		logger: logger,
		config: config,
		shared: newSharedState(),
	}
}

// LoadAll discovers manifests in dir, orders them, constructs each plugin
// via factory, and initializes them in dependency order. A cycle disables
// every member it implicates (with a single diagnostic naming the cycle);
// an init failure disables that plugin and every plugin depending on it,
// transitively.
func (h *Host) LoadAll(ctx context.Context, dir string, factory Factory) error {
	manifests := Discover(dir, h.logger)
	return h.loadManifests(ctx, manifests, factory)
}

func (h *Host) loadManifests(ctx context.Context, manifests []events.PluginManifest, factory Factory) error {
	result, err := topoOrder(manifests)
	cycleMembers := map[string]bool{}
	ordered := result.Ordered
	if err != nil {
		for _, name := range result.CycleName {
			cycleMembers[name] = true
		}
		h.logger.Warn("pluginhost: dependency cycle detected, excluding members", "members", result.CycleName)

		// Retry ordering with cycle members excluded so the run continues
		// with the remaining plugins, per the graceful-exclusion override.
		var rest []events.PluginManifest
		for _, m := range manifests {
			if !cycleMembers[m.Name] {
				rest = append(rest, m)
			}
		}
		retryResult, retryErr := topoOrder(rest)
		if retryErr != nil {
			return fmt.Errorf("pluginhost: unresolvable dependency graph after cycle exclusion: %w", retryErr)
		}
		ordered = retryResult.Ordered
	}

	disabled := map[string]string{}
	for name := range cycleMembers {
		disabled[name] = "dependency cycle"
	}

	var loaded []*loadedPlugin
	for _, m := range manifests {
		if cycleMembers[m.Name] {
			loaded = append(loaded, &loadedPlugin{manifest: m, circuit: newCircuitState(), disabledReason: disabled[m.Name]})
		}
	}
	if factory == nil {
		factory = func(events.PluginManifest) (Plugin, error) {
			return nil, fmt.Errorf("no plugin factory configured")
		}
	}
	for _, m := range ordered {
		lp := &loadedPlugin{manifest: m, circuit: newCircuitState()}

		if reason, ok := disabledFor(m, disabled); ok {
			lp.enabled = false
			lp.disabledReason = reason
			loaded = append(loaded, lp)
			continue
		}

		inst, err := factory(m)
		if err != nil {
			disabled[m.Name] = fmt.Sprintf("construction failed: %v", err)
			lp.enabled = false
			lp.disabledReason = disabled[m.Name]
			loaded = append(loaded, lp)
			h.logger.Warn("pluginhost: plugin construction failed", "plugin", m.Name, "error", err)
			continue
		}
		lp.instance = inst

		pctx := h.contextFor(m)
		if err := inst.Init(ctx, pctx); err != nil {
			disabled[m.Name] = fmt.Sprintf("init failed: %v", err)
			lp.enabled = false
			lp.disabledReason = disabled[m.Name]
			h.logger.Warn("pluginhost: plugin init failed, disabling", "plugin", m.Name, "error", err)
		} else {
			lp.enabled = true
		}
		loaded = append(loaded, lp)
	}

	h.mu.Lock()
	h.plugins = loaded
	h.mu.Unlock()
	return nil
}

// disabledFor reports whether m should be disabled because it or a
// transitive dependency is already disabled.
func disabledFor(m events.PluginManifest, disabled map[string]string) (string, bool) {
	if reason, ok := disabled[m.Name]; ok {
		return reason, true
	}
	for _, dep := range m.Dependencies {
		if reason, ok := disabled[dep]; ok {
			disabled[m.Name] = fmt.Sprintf("dependency %s disabled: %s", dep, reason)
			return disabled[m.Name], true
		}
	}
	return "", false
}

func (h *Host) contextFor(m events.PluginManifest) *Context {
	return &Context{
		Bus:         h.bus,
		Store:       h.store,
		Logger:      h.logger.With("plugin", m.Name),
		Config:      mergedConfig(m.Config, h.config[m.Name]),
		SharedState: h.shared,
	}
}

// mergedConfig layers an operator-supplied overlay over a plugin's own
// manifest-declared config block, overlay keys winning on conflict.
func mergedConfig(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Dispatch delivers ev to every enabled plugin, sequentially by descending
// priority (the order fixed at load time). Each call is bounded by the
// plugin's manifest timeout; a timeout or failure increments that plugin's
// counters and may trip its circuit, but never blocks dispatch to the next
// plugin.
func (h *Host) Dispatch(ctx context.Context, ev events.Event) {
	h.mu.RLock()
	plugins := append([]*loadedPlugin(nil), h.plugins...)
	h.mu.RUnlock()

	for _, lp := range plugins {
		if !lp.enabled {
			continue
		}
		now := time.Now()
		if !lp.circuit.allow(now) {
			continue
		}
		h.invoke(ctx, lp, ev)
	}
}

func (h *Host) invoke(ctx context.Context, lp *loadedPlugin, ev events.Event) {
	timeout := time.Duration(lp.manifest.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pctx := h.contextFor(lp.manifest)

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin panic: %v", r)
			}
		}()
		done <- lp.instance.OnEvent(callCtx, ev, pctx)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		lp.mu.Lock()
		lp.invocations++
		lp.sumLatencyMs += elapsed.Milliseconds()
		lp.mu.Unlock()
		if err != nil {
			lp.mu.Lock()
			lp.failures++
			lp.mu.Unlock()
			lp.circuit.recordFailure(time.Now())
			h.logger.Warn("pluginhost: plugin failed", "plugin", lp.manifest.Name, "error", err)
		} else {
			lp.circuit.recordSuccess()
		}
	case <-callCtx.Done():
		lp.mu.Lock()
		lp.invocations++
		lp.timeouts++
		lp.sumLatencyMs += timeout.Milliseconds()
		lp.mu.Unlock()
		lp.circuit.recordFailure(time.Now())
		h.logger.Warn("pluginhost: plugin timed out", "plugin", lp.manifest.Name, "timeoutMs", lp.manifest.TimeoutMs)
	}
}

// Shutdown calls Shutdown on every loaded plugin in reverse load order, each
// bounded by its own timeout. Failures are logged but never abort the
// remaining shutdowns.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.RLock()
	plugins := append([]*loadedPlugin(nil), h.plugins...)
	h.mu.RUnlock()

	for i := len(plugins) - 1; i >= 0; i-- {
		lp := plugins[i]
		if !lp.enabled || lp.instance == nil {
			continue
		}
		timeout := time.Duration(lp.manifest.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := lp.instance.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("pluginhost: plugin shutdown failed", "plugin", lp.manifest.Name, "error", err)
		}
		cancel()
	}
}

// PluginMetrics returns the live metrics for a named plugin.
func (h *Host) PluginMetrics(name string) (PluginMetrics, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, lp := range h.plugins {
		if lp.manifest.Name != name {
			continue
		}
		lp.mu.Lock()
		defer lp.mu.Unlock()
		var avg float64
		if lp.invocations > 0 {
			avg = float64(lp.sumLatencyMs) / float64(lp.invocations)
		}
		state := CircuitClosed
		if lp.circuit.isOpen() {
			state = CircuitOpen
		}
		return PluginMetrics{
			Invocations:  lp.invocations,
			Failures:     lp.failures,
			Timeouts:     lp.timeouts,
			AvgLatencyMs: avg,
			CircuitState: state,
		}, true
	}
	return PluginMetrics{}, false
}

// Enabled reports the names of currently enabled plugins, in dispatch
// order.
func (h *Host) Enabled() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, lp := range h.plugins {
		if lp.enabled {
			out = append(out, lp.manifest.Name)
		}
	}
	return out
}

// Disabled reports the names and reasons of plugins excluded from dispatch.
func (h *Host) Disabled() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[string]string{}
	for _, lp := range h.plugins {
		if !lp.enabled {
			out[lp.manifest.Name] = lp.disabledReason
		}
	}
	return out
}
