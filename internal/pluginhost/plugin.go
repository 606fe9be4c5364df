// Package pluginhost discovers, validates, orders, initializes, dispatches
// to, and tears down the set of plugins that react to pipeline events.
package pluginhost

import (
	"context"
	"log/slog"
	"sync"

	"github.com/npratt/sidecar/internal/events"
)

// Plugin is the capability set a manifest's entry point must implement.
// There is no type hierarchy among plugins; the host holds each only by
// this interface.
type Plugin interface {
	Init(ctx context.Context, pctx *Context) error
	OnEvent(ctx context.Context, ev events.Event, pctx *Context) error
	Shutdown(ctx context.Context) error
}

// Factory constructs a Plugin from a discovered manifest. cmd/sidecar
// passes no factory, so every plugin it discovers is disabled with a
// construction failure; tests can substitute fakes without touching disk.
type Factory func(manifest events.PluginManifest) (Plugin, error)

// Store is the narrow read/write surface PluginHost exposes to plugins,
// satisfied by *internal/store.Store.
type Store interface {
	SaveQuery(ctx context.Context, q events.QueryRecord) error
	SaveResponse(ctx context.Context, r events.ResponseRecord) error
	SaveOptimization(ctx context.Context, n events.OptimizationNote) error
}

// Bus is the narrow publish surface PluginHost exposes to plugins,
// satisfied by *internal/eventbus.Bus.
type Bus interface {
	Publish(ev events.Event) error
}

// Context is handed to every plugin lifecycle and dispatch call. SharedState
// is a concurrent map plugins use to exchange eventually-consistent data;
// plugins must never hold it locked across a suspension point.
type Context struct {
	Bus         Bus
	Store       Store
	Logger      *slog.Logger
	Config      map[string]any
	SharedState *sharedState
}

// sharedState is a concurrent map of arbitrary plugin-contributed values.
type sharedState struct {
	mu sync.RWMutex
	m  map[string]any
}

func newSharedState() *sharedState {
	return &sharedState{m: make(map[string]any)}
}

// Get retrieves a value by key.
func (s *sharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores a value by key.
func (s *sharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}
