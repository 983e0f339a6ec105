// Package events is the in-process pub/sub spine for run logs and guard
// events. Delivery is non-blocking: a slow subscriber loses events rather
// than stalling the pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event types emitted by the pipeline.
const (
	TypeRequestStarted  = "gateway.request.started"
	TypeRequestFinished = "gateway.request.finished"
	TypePolicyDenied    = "gateway.policy.denied"
	TypeRateLimited     = "gateway.rate.limited"
	TypeBreakerOpened   = "gateway.breaker.opened"
	TypeBreakerClosed   = "gateway.breaker.closed"
	TypeRunStateChanged = "gateway.run.state"
)

// Event is the CloudEvents 1.0 style envelope used on every stream.
type Event struct {
	SpecVersion   string                 `json:"specversion"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	ID            string                 `json:"id"`
	Time          time.Time              `json:"time"`
	RunID         string                 `json:"runid,omitempty"`
	CorrelationID string                 `json:"correlationid,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// New creates an event envelope.
func New(eventType, runID, correlationID string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion:   "1.0",
		Type:          eventType,
		Source:        "/api/proxy-request",
		ID:            fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:          time.Now(),
		RunID:         runID,
		CorrelationID: correlationID,
		Data:          data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	bufferSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{bufferSize: 256}
}

// Subscribe returns a channel receiving all published events.
func (b *Bus) Subscribe() chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers to every subscriber without blocking; full channels
// drop the event.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, runID, correlationID string, data map[string]interface{}) {
	b.Publish(New(eventType, runID, correlationID, data))
}
