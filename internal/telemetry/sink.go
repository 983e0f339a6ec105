// Package telemetry records correlation-ID-scoped spans and events. The
// content-safety subsystem is an external consumer of this stream; the
// gateway only guarantees that pipeline callbacks fire pre- and
// post-adapter.
package telemetry

import (
	"sync"
	"time"
)

// Sink receives spans and events keyed by correlation ID.
type Sink interface {
	RecordSpan(correlationID, kind string, start time.Time, duration time.Duration, details map[string]interface{})
	RecordEvent(correlationID, kind string, details map[string]interface{})
}

// Span is one recorded timed operation.
type Span struct {
	CorrelationID string                 `json:"correlation_id"`
	Kind          string                 `json:"kind"`
	Start         time.Time              `json:"start"`
	Duration      time.Duration          `json:"duration"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Event is one recorded point-in-time occurrence.
type Event struct {
	CorrelationID string                 `json:"correlation_id"`
	Kind          string                 `json:"kind"`
	At            time.Time              `json:"at"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// MemorySink keeps a bounded record of recent spans and events, oldest
// evicted first. Good enough for tests and the local debug surface; a real
// deployment swaps in the content-safety subsystem's sink.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	spans  []Span
	events []Event
}

// NewMemorySink creates a sink retaining up to limit records of each kind.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1024
	}
	return &MemorySink{limit: limit}
}

func (s *MemorySink) RecordSpan(correlationID, kind string, start time.Time, duration time.Duration, details map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, Span{
		CorrelationID: correlationID, Kind: kind,
		Start: start, Duration: duration, Details: details,
	})
	if len(s.spans) > s.limit {
		s.spans = s.spans[len(s.spans)-s.limit:]
	}
}

func (s *MemorySink) RecordEvent(correlationID, kind string, details map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		CorrelationID: correlationID, Kind: kind,
		At: time.Now(), Details: details,
	})
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
}

// Spans returns a snapshot of recorded spans.
func (s *MemorySink) Spans() []Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Span, len(s.spans))
	copy(out, s.spans)
	return out
}

// Events returns a snapshot of recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordSpan(string, string, time.Time, time.Duration, map[string]interface{}) {}
func (NopSink) RecordEvent(string, string, map[string]interface{})                          {}
