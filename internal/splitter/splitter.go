// Package splitter provides a zero-latency passthrough from a byte source to
// a terminal sink, with a parallel non-blocking analysis tap that feeds
// frameparser.Parser and publishes the resulting events onto an EventBus.
// The analysis tap must never be able to backpressure the passthrough.
package splitter

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/npratt/sidecar/internal/events"
	"github.com/npratt/sidecar/internal/eventbus"
	"github.com/npratt/sidecar/internal/frameparser"
)

// Metrics is the snapshot returned by Splitter.Metrics.
type Metrics struct {
	BytesPassed       int64
	BytesAnalyzed     int64
	RecordsEmitted    int64
	ParseErrors       int64
	BackpressureDrops int64
}

// analysisQueueDepth bounds the non-blocking tap's internal buffer; beyond
// this the tap drops rather than stalling the read loop that feeds both the
// passthrough and the tap.
const analysisQueueDepth = 256

// Tap is a private analysis pipeline bound to exactly one AttachPassthrough
// call (one source stream, e.g. the child's stdout or its stderr).
type Tap struct {
	queue  chan []byte
	parser *frameparser.Parser
}

// Splitter fans one or more byte sources out to a direct passthrough and a
// non-blocking analysis tap each.
type Splitter struct {
	bus *eventbus.Bus

	bytesPassed       atomic.Int64
	bytesAnalyzed     atomic.Int64
	recordsEmitted    atomic.Int64
	backpressureDrops atomic.Int64

	mu   sync.Mutex
	taps []*Tap
	done bool
}

// New creates a Splitter publishing analysis-path records onto bus.
func New(bus *eventbus.Bus) *Splitter {
	return &Splitter{bus: bus}
}

// AttachPassthrough reads source to completion, copying every byte to dest
// unmodified and immediately, and feeding a copy of each chunk to tap (if
// non-nil). It is the only reader of source: passthrough and analysis share
// one read loop so there is no second consumer to race with, and the write
// to dest is a direct, unbuffered-by-us forward — nothing can sit between
// source and dest to stall it.
func (s *Splitter) AttachPassthrough(source io.Reader, dest io.Writer, tap *Tap) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := dest.Write(chunk); err != nil {
				return err
			}
			s.bytesPassed.Add(int64(n))
			if tap != nil {
				s.feedTap(tap, chunk)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// AttachAnalysis creates a non-blocking tap: feed it chunks from exactly one
// AttachPassthrough call (by passing the returned Tap there) and it parses
// them with a private frameparser.Parser, publishing resulting events to the
// bus stamped with src and sessionID. If the tap falls behind, chunks are
// dropped (counted) rather than applying backpressure to AttachPassthrough.
func (s *Splitter) AttachAnalysis(src events.Source, sessionID string) *Tap {
	tap := &Tap{
		queue:  make(chan []byte, analysisQueueDepth),
		parser: frameparser.New(),
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		close(tap.queue)
		return tap
	}
	s.taps = append(s.taps, tap)
	s.mu.Unlock()

	go s.drainAnalysis(tap, src, sessionID)
	return tap
}

func (s *Splitter) feedTap(tap *Tap, chunk []byte) {
	copied := append([]byte(nil), chunk...)
	s.bytesAnalyzed.Add(int64(len(copied)))
	select {
	case tap.queue <- copied:
	default:
		s.backpressureDrops.Add(1)
	}
}

func (s *Splitter) drainAnalysis(tap *Tap, src events.Source, sessionID string) {
	for chunk := range tap.queue {
		recs := tap.parser.Feed(chunk)
		for _, ev := range recs {
			if ev.Meta.SessionID == "" {
				ev.Meta.SessionID = sessionID
			}
			if ev.Meta.Source == "" {
				ev.Meta.Source = src
			}
			s.recordsEmitted.Add(1)
			_ = s.bus.Publish(ev)
		}
	}
}

// Metrics returns a snapshot of accumulated counters, including parse
// errors summed across every attached tap's parser.
func (s *Splitter) Metrics() Metrics {
	s.mu.Lock()
	taps := append([]*Tap(nil), s.taps...)
	s.mu.Unlock()

	var parseErrors int64
	for _, tap := range taps {
		parseErrors += tap.parser.ParseErrors()
	}

	return Metrics{
		BytesPassed:       s.bytesPassed.Load(),
		BytesAnalyzed:     s.bytesAnalyzed.Load(),
		RecordsEmitted:    s.recordsEmitted.Load(),
		ParseErrors:       parseErrors,
		BackpressureDrops: s.backpressureDrops.Load(),
	}
}

// Cleanup detaches every analysis tap idempotently. Tap parsers are kept
// around (not discarded) so Metrics called after Cleanup still reports a
// final ParseErrors total.
func (s *Splitter) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, tap := range s.taps {
		close(tap.queue)
	}
}
