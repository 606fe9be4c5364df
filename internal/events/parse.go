package events

import (
	"encoding/json"
	"fmt"
)

// ParseEvent decodes a single JSON line (as produced by FrameParser or read
// back from the JSONL audit log) into an Event. Unlike stream-json records
// from the underlying assistant CLI, Events are already a flat, single
// shape, so no envelope-then-dispatch step is needed.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return ev, nil
}

// DecodeQuery unmarshals an Event's payload as a QueryRecord. Callers should
// check EventKind == KindQuery first.
func DecodeQuery(ev Event) (QueryRecord, error) {
	var q QueryRecord
	if err := json.Unmarshal(ev.Payload, &q); err != nil {
		return QueryRecord{}, fmt.Errorf("decode query payload: %w", err)
	}
	return q, nil
}

// DecodeResponse unmarshals an Event's payload as a ResponseRecord. Callers
// should check EventKind == KindResponse first.
func DecodeResponse(ev Event) (ResponseRecord, error) {
	var r ResponseRecord
	if err := json.Unmarshal(ev.Payload, &r); err != nil {
		return ResponseRecord{}, fmt.Errorf("decode response payload: %w", err)
	}
	return r, nil
}
