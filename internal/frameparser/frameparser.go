// Package frameparser incrementally reassembles a record-oriented byte
// stream (newline-delimited JSON, optionally event-stream "data:" framed)
// into discrete events.Event records.
package frameparser

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/npratt/sidecar/internal/events"
)

// DefaultMaxBufferSize is the buffer cap at which the oldest half of
// unparsed bytes is dropped to bound memory use on malformed or stalled
// streams.
const DefaultMaxBufferSize = 64 * 1024

const dataPrefix = "data:"

// Parser converts arbitrary byte chunks into a sequence of decoded events.
// Its methods lock internally, so concurrent calls are safe, but chunks fed
// to one Parser from different sources interleave in its buffer; each
// source gets its own Parser.
type Parser struct {
	mu            sync.Mutex
	buf           bytes.Buffer
	maxBufferSize int
	parseErrors   atomic.Int64
}

// New creates a Parser with the default buffer cap.
func New() *Parser {
	return &Parser{maxBufferSize: DefaultMaxBufferSize}
}

// NewWithBufferSize creates a Parser with a custom buffer cap.
func NewWithBufferSize(maxBufferSize int) *Parser {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Parser{maxBufferSize: maxBufferSize}
}

// Feed consumes chunk and returns zero or more complete events.Event records
// parsed from it, in arrival order. It never returns an error: malformed
// input is dropped and counted, never surfaced to the caller.
func (p *Parser) Feed(chunk []byte) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(chunk)

	var out []events.Event
	for {
		rec, ok := p.extractOne()
		if !ok {
			break
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	p.enforceCap()
	return out
}

// extractOne attempts to pull a single record's worth of bytes off the front
// of the buffer. ok is false when the buffer has no more complete records to
// offer right now. rec is nil when a prefix was consumed but failed to parse
// (a recovered parse error), distinct from "no record available".
func (p *Parser) extractOne() (rec *events.Event, ok bool) {
	data := p.buf.Bytes()
	if len(data) == 0 {
		return nil, false
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		// No newline yet: try a whole-buffer structural parse in case the
		// producer never terminates the final record with a newline.
		trimmed := bytes.TrimSpace(stripDataPrefix(data))
		if len(trimmed) == 0 {
			return nil, false
		}
		ev, err := decode(trimmed)
		if err != nil {
			return nil, false
		}
		p.buf.Reset()
		return &ev, true
	}

	line := data[:nl]
	p.buf.Next(nl + 1)

	trimmed := bytes.TrimSpace(stripDataPrefix(bytes.TrimSpace(line)))
	if len(trimmed) == 0 {
		// Whitespace-only line: no record, but not an error either.
		return nil, true
	}

	ev, err := decode(trimmed)
	if err != nil {
		p.parseErrors.Add(1)
		return nil, true
	}
	return &ev, true
}

func stripDataPrefix(b []byte) []byte {
	s := string(b)
	if strings.HasPrefix(s, dataPrefix) {
		return bytes.TrimLeft(b[len(dataPrefix):], " \t")
	}
	return b
}

func decode(b []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// enforceCap drops the oldest half of the buffer when it exceeds
// maxBufferSize, counting a parse error for the discarded remainder.
func (p *Parser) enforceCap() {
	if p.buf.Len() <= p.maxBufferSize {
		return
	}
	data := p.buf.Bytes()
	keepFrom := len(data) / 2
	kept := append([]byte(nil), data[keepFrom:]...)
	p.buf.Reset()
	p.buf.Write(kept)
	p.parseErrors.Add(1)
}

// Reset discards any pending buffered state.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Reset()
}

// PendingSize exposes the unparsed tail length, for diagnostics.
func (p *Parser) PendingSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// ParseErrors returns the count of recovered parse errors since creation;
// Reset does not clear the counter (it is a running diagnostic, not buffer
// state).
func (p *Parser) ParseErrors() int64 {
	return p.parseErrors.Load()
}
