// Package events defines the data model shared across sidecar's pipeline:
// the Event envelope that flows through the EventBus, and the QueryRecord /
// ResponseRecord / OptimizationNote rows that Store persists.
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies the category of an Event. Unlike a fully open-ended event
// taxonomy, the core pipeline recognizes exactly four kinds; plugins may
// still emit their own namespaced kinds for custom fan-out (see EventBus).
type Kind string

// Core event kinds.
const (
	KindQuery    Kind = "query"
	KindResponse Kind = "response"
	KindToolUse  Kind = "tool_use"
	KindError    Kind = "error"
)

// Source identifies where an event's underlying exchange originated.
type Source string

// Recognized event sources.
const (
	SourceChild  Source = "child"
	SourceDirect Source = "direct"
)

// Metadata carries the correlation and provenance fields every Event stamps.
type Metadata struct {
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Source        Source `json:"source"`
	QueryID       string `json:"queryId,omitempty"`
	LatencyMs     *int64 `json:"latencyMs,omitempty"`
}

// Event is the immutable envelope published on the EventBus. Payload carries
// the kind-specific body (a QueryRecord, ResponseRecord, tool-use detail, or
// error detail) as raw JSON so the bus never needs to know concrete plugin
// payload shapes.
type Event struct {
	ID          string          `json:"id"`
	EventKind   Kind            `json:"kind"`
	TimestampMs int64           `json:"timestampMs"`
	Payload     json.RawMessage `json:"payload"`
	Meta        Metadata        `json:"metadata"`
}

// New builds an Event stamped with the current time. payload is marshaled to
// JSON; a marshal failure produces a `null` payload rather than a panic,
// since constructing an Event must never fail.
func New(id string, kind Kind, meta Metadata, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{
		ID:          id,
		EventKind:   kind,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     raw,
		Meta:        meta,
	}
}

// Complexity buckets a QueryRecord's estimated difficulty.
type Complexity string

// Recognized complexity buckets.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Confidence buckets an OptimizationNote's certainty.
type Confidence string

// Recognized confidence buckets.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// QueryRecord is a persisted user/assistant-CLI query.
type QueryRecord struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"sessionId"`
	TimestampMs  int64       `json:"timestampMs"`
	Text         string      `json:"text"`
	Model        string      `json:"model"`
	Category     *string     `json:"category,omitempty"`
	Complexity   *Complexity `json:"complexity,omitempty"`
	TokenCount   *int64      `json:"tokenCount,omitempty"`
	MetadataJSON *string     `json:"metadataJson,omitempty"`
}

// ResponseRecord is a persisted response to a QueryRecord. QueryID refers to
// a QueryRecord by logical identity only: orphan responses (no matching query
// ever persisted) are permitted, per the data model invariants.
type ResponseRecord struct {
	ID           string  `json:"id"`
	QueryID      string  `json:"queryId"`
	SessionID    string  `json:"sessionId"`
	TimestampMs  int64   `json:"timestampMs"`
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	InputTokens  *int64  `json:"inputTokens,omitempty"`
	OutputTokens *int64  `json:"outputTokens,omitempty"`
	LatencyMs    *int64  `json:"latencyMs,omitempty"`
	FinishReason *string `json:"finishReason,omitempty"`
	Error        *string `json:"error,omitempty"`
}

// OptimizationNote is a plugin-authored suggestion attached to a query.
type OptimizationNote struct {
	QueryID          string     `json:"queryId"`
	Suggestion       string     `json:"suggestion"`
	AlternativeModel *string    `json:"alternativeModel,omitempty"`
	EstimatedSavings *float64   `json:"estimatedSavings,omitempty"`
	Confidence       Confidence `json:"confidence"`
}

// Record is the discriminated union saveBatch accepts: exactly one of Query,
// Response, or Optimization must be set.
type Record struct {
	Query        *QueryRecord
	Response     *ResponseRecord
	Optimization *OptimizationNote
}

// PluginManifest describes a discoverable plugin.
type PluginManifest struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	EntryPoint   string         `json:"entryPoint"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Priority     int            `json:"priority"`
	TimeoutMs    int64          `json:"timeoutMs,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Dir          string         `json:"-"`
}

// PluginState is the lifecycle state of a PluginInstance.
type PluginState string

// Recognized plugin lifecycle states.
const (
	PluginStateLoaded    PluginState = "loaded"
	PluginStateRunning   PluginState = "running"
	PluginStateTripped   PluginState = "tripped"
	PluginStateStopped   PluginState = "stopped"
)

// PluginInstance is a loaded, running plugin and its live metrics.
type PluginInstance struct {
	Manifest      PluginManifest
	State         PluginState
	InvokeCount   int64
	ErrorCount    int64
	LastError     string
	LastInvokedMs int64
}
