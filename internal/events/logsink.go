package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink consumes events from the EventBus's replay/tap channel.
type Sink interface {
	Start(ctx context.Context, events <-chan Event) error
	Stop() error
}

// LogSink writes every Event to a rotating JSON-lines file, giving plugins
// and operators an append-only audit trail independent of Store. Rotation is
// handled by lumberjack rather than hand-rolled renames.
type LogSink struct {
	path    string
	writer  *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
	done    chan struct{}

	// MaxSizeMB, MaxBackups and MaxAgeDays mirror lumberjack.Logger's fields
	// and must be set before Start.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogSink creates a LogSink writing to path with sane rotation defaults.
func NewLogSink(path string) *LogSink {
	return &LogSink{
		path:       path,
		done:       make(chan struct{}),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	}
}

// Start opens the rotating log file and begins processing events. It runs
// until the context is canceled or the events channel is closed.
func (s *LogSink) Start(ctx context.Context, events <-chan Event) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   s.path,
		MaxSize:    s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAgeDays,
		Compress:   true,
	}

	s.mu.Lock()
	s.writer = w
	s.encoder = json.NewEncoder(w)
	s.mu.Unlock()

	go s.run(ctx, events)
	return nil
}

func (s *LogSink) run(ctx context.Context, events <-chan Event) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.write(ev)
		}
	}
}

func (s *LogSink) write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil {
		return
	}
	if err := s.encoder.Encode(ev); err != nil {
		fmt.Fprintf(os.Stderr, "log sink: failed to write event: %v\n", err)
	}
}

// Stop waits for the processing goroutine to exit and closes the underlying
// file. If the events channel was closed first, every event in it has been
// written; if the context was canceled first, events still queued in the
// channel are not written.
func (s *LogSink) Stop() error {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		s.encoder = nil
		return err
	}
	return nil
}

// Path returns the log file path.
func (s *LogSink) Path() string {
	return s.path
}
