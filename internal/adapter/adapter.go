// Package adapter is the Direct-invocation Adapter: an alternate producer
// that drives the same query/response/error Event pipeline as a spawned
// child, but talks to the Anthropic API in-process via anthropic-sdk-go
// instead of launching the `claude` CLI.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/eventbus"
)

// ErrCancelled names the abandonment of a Sequence mid-flight. No function
// in this package returns it: a cancelled Sequence ends through its
// context's cancellation error instead.
var ErrCancelled = errors.New("adapter: sequence cancelled")

// Options configures one Ask call.
type Options struct {
	Model       anthropic.Model
	MaxTokens   int64
	System      string
	SessionID   string
	QueryID     string
}

// Message is one item yielded by a Sequence: either a text delta, a final
// aggregated response, or a terminal error.
type Message struct {
	Text     string
	Final    bool
	Usage    *Usage
	Err      error
}

// Usage carries accumulated token counts for the final message.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Sequence is a finite, non-restartable lazy sequence of Messages. Callers
// range over Next until ok is false.
type Sequence struct {
	ch     chan Message
	cancel context.CancelFunc
	once   sync.Once
}

// Next blocks for the next Message. ok is false once the sequence has
// ended (error or completion).
func (s *Sequence) Next() (Message, bool) {
	m, ok := <-s.ch
	return m, ok
}

// Cancel abandons the sequence. Within a bounded grace period the adapter
// stops issuing further events; already-buffered messages may still be
// delivered to a concurrent Next caller.
func (s *Sequence) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Adapter drives Ask calls against the Anthropic API and publishes the same
// Event kinds a FrameParser would have produced from a child process.
type Adapter struct {
	client    anthropic.Client
	bus       *eventbus.Bus
	sessionID string
}

// New creates an Adapter publishing to bus. If sessionID is empty, the
// adapter manages its own (one per Ask call's Options.SessionID, or a fresh
// one if that is also empty) rather than sharing the Orchestrator's.
func New(client anthropic.Client, bus *eventbus.Bus, sessionID string) *Adapter {
	return &Adapter{client: client, bus: bus, sessionID: sessionID}
}

// Ask issues prompt to the model and returns a lazy Sequence of messages.
// It emits one query event at the start, one response event per streamed
// delta, a final aggregated response event carrying accumulated usage, or
// an error event that also terminates the sequence with the same failure.
func (a *Adapter) Ask(ctx context.Context, prompt string, opts Options) *Sequence {
	ctx, cancel := context.WithCancel(ctx)
	seq := &Sequence{ch: make(chan Message, 8), cancel: cancel}

	sessionID := a.sessionID
	if opts.SessionID != "" {
		sessionID = opts.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	queryID := opts.QueryID
	if queryID == "" {
		queryID = uuid.NewString()
	}

	model := opts.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	meta := events.Metadata{SessionID: sessionID, Source: events.SourceDirect, QueryID: queryID}
	a.publish(events.KindQuery, meta, events.QueryRecord{
		ID:        queryID,
		SessionID: sessionID,
		Text:      prompt,
		Model:     string(model),
	})

	go a.run(ctx, seq, prompt, model, maxTokens, opts.System, meta)

	return seq
}

func (a *Adapter) run(ctx context.Context, seq *Sequence, prompt string, model anthropic.Model, maxTokens int64, system string, meta events.Metadata) {
	defer close(seq.ch)

	start := time.Now()
	stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})

	var accumulated anthropic.Message
	var textOut string
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			a.emitError(ctx, seq, meta, err)
			return
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				textOut += text.Text
				a.publish(events.KindResponse, meta, events.ResponseRecord{
					ID:        uuid.NewString(),
					QueryID:   meta.QueryID,
					SessionID: meta.SessionID,
					Text:      text.Text,
					Model:     string(model),
				})
				select {
				case seq.ch <- Message{Text: text.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		a.emitError(ctx, seq, meta, err)
		return
	}

	latencyMs := time.Since(start).Milliseconds()
	usage := Usage{
		InputTokens:  accumulated.Usage.InputTokens,
		OutputTokens: accumulated.Usage.OutputTokens,
	}

	respID := uuid.NewString()
	latency := latencyMs
	a.publish(events.KindResponse, meta, events.ResponseRecord{
		ID:           respID,
		QueryID:      meta.QueryID,
		SessionID:    meta.SessionID,
		Text:         textOut,
		Model:        string(model),
		InputTokens:  &usage.InputTokens,
		OutputTokens: &usage.OutputTokens,
		LatencyMs:    &latency,
	})

	select {
	case seq.ch <- Message{Final: true, Usage: &usage}:
	case <-ctx.Done():
	}
}

func (a *Adapter) emitError(ctx context.Context, seq *Sequence, meta events.Metadata, err error) {
	a.publish(events.KindError, meta, map[string]any{
		"message":  err.Error(),
		"severity": "error",
	})
	select {
	case seq.ch <- Message{Err: fmt.Errorf("adapter: %w", err)}:
	case <-ctx.Done():
	}
}

func (a *Adapter) publish(kind events.Kind, meta events.Metadata, payload any) {
	ev := events.New(uuid.NewString(), kind, meta, payload)
	_ = a.bus.Publish(ev)
}
