// Package sse serves replayable Server-Sent Event streams for run logs
// and guard events. Each run keeps a bounded ring buffer of recent events
// with monotonically increasing IDs; a subscriber first receives the
// buffered replay (skipping everything at or below its Last-Event-Id),
// then live events.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aegisgate/backend/internal/events"
)

const (
	// DefaultBufferSize bounds the per-run ring buffer.
	DefaultBufferSize = 256
	// DefaultHeartbeat keeps intermediaries from timing out idle streams.
	DefaultHeartbeat = 15 * time.Second
	// subscriberBuffer is the per-subscriber channel depth; overflow drops
	// the oldest queued event for that subscriber.
	subscriberBuffer = 64
)

// ErrTooManyStreams is returned when the concurrent stream cap is reached.
var ErrTooManyStreams = errors.New("too many concurrent streams")

// BufferedEvent is one frame in a run's ring buffer.
type BufferedEvent struct {
	ID   uint64
	Type string
	Data []byte
}

// runStream holds one run's buffer and live subscribers. Guarded by its
// own lock so fan-out on one run never contends with another.
type runStream struct {
	mu         sync.Mutex
	nextID     uint64
	buf        []BufferedEvent
	subs       map[chan BufferedEvent]struct{}
	lastActive time.Time
}

// Broker owns all run streams and enforces the concurrent stream cap.
type Broker struct {
	mu         sync.Mutex
	runs       map[string]*runStream
	active     int
	maxStreams int
	bufferSize int
	heartbeat  time.Duration
	now        func() time.Time

	// Gauge and counter hooks, wired to Prometheus by the server.
	OnSubscribe   func()
	OnUnsubscribe func()
	OnDrop        func()
}

// NewBroker creates a broker capping concurrent subscribers at maxStreams
// (0 means unlimited).
func NewBroker(maxStreams int) *Broker {
	return &Broker{
		runs:       make(map[string]*runStream),
		maxStreams: maxStreams,
		bufferSize: DefaultBufferSize,
		heartbeat:  DefaultHeartbeat,
		now:        time.Now,
	}
}

// SetHeartbeat overrides the idle heartbeat interval. Values above the
// default are clamped so intermediaries never see silence longer than 15s.
func (b *Broker) SetHeartbeat(d time.Duration) {
	if d <= 0 || d > DefaultHeartbeat {
		d = DefaultHeartbeat
	}
	b.heartbeat = d
}

func (b *Broker) stream(runID string) *runStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{subs: make(map[chan BufferedEvent]struct{}), lastActive: b.now()}
		b.runs[runID] = rs
	}
	return rs
}

// Publish appends an event to the run's buffer and fans it out. Slow
// subscribers lose their oldest queued event rather than blocking the
// publisher.
func (b *Broker) Publish(runID, eventType string, data []byte) BufferedEvent {
	rs := b.stream(runID)

	rs.mu.Lock()
	rs.nextID++
	rs.lastActive = b.now()
	ev := BufferedEvent{ID: rs.nextID, Type: eventType, Data: data}
	rs.buf = append(rs.buf, ev)
	if len(rs.buf) > b.bufferSize {
		rs.buf = rs.buf[len(rs.buf)-b.bufferSize:]
	}
	for ch := range rs.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				if b.OnDrop != nil {
					b.OnDrop()
				}
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	rs.mu.Unlock()
	return ev
}

// Subscribe registers a live channel for a run and returns the buffered
// events with IDs above afterID for replay. The caller must Unsubscribe.
func (b *Broker) Subscribe(runID string, afterID uint64) ([]BufferedEvent, chan BufferedEvent, error) {
	b.mu.Lock()
	if b.maxStreams > 0 && b.active >= b.maxStreams {
		b.mu.Unlock()
		return nil, nil, ErrTooManyStreams
	}
	b.active++
	b.mu.Unlock()

	rs := b.stream(runID)
	ch := make(chan BufferedEvent, subscriberBuffer)

	rs.mu.Lock()
	rs.lastActive = b.now()
	var replay []BufferedEvent
	for _, ev := range rs.buf {
		if ev.ID > afterID {
			replay = append(replay, ev)
		}
	}
	rs.subs[ch] = struct{}{}
	rs.mu.Unlock()

	if b.OnSubscribe != nil {
		b.OnSubscribe()
	}
	return replay, ch, nil
}

// Unsubscribe removes a live channel and decrements the stream count.
func (b *Broker) Unsubscribe(runID string, ch chan BufferedEvent) {
	rs := b.stream(runID)
	rs.mu.Lock()
	delete(rs.subs, ch)
	rs.mu.Unlock()

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	if b.OnUnsubscribe != nil {
		b.OnUnsubscribe()
	}
}

// Sweep drops run streams that have no subscribers and saw no publish or
// subscribe within idleAfter, releasing their ring buffers. Returns the
// number of streams removed.
func (b *Broker) Sweep(idleAfter time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-idleAfter)

	removed := 0
	for runID, rs := range b.runs {
		rs.mu.Lock()
		idle := len(rs.subs) == 0 && rs.lastActive.Before(cutoff)
		rs.mu.Unlock()
		if idle {
			delete(b.runs, runID)
			removed++
		}
	}
	return removed
}

// StartCleanup launches a background sweep of idle run streams. Returns a
// stop function.
func (b *Broker) StartCleanup(interval, idleAfter time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				b.Sweep(idleAfter)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// ActiveStreams reports the number of connected subscribers.
func (b *Broker) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// ConsumeBus routes bus events into per-run buffers until the channel
// closes. Events without a run ID are not streamed.
func (b *Broker) ConsumeBus(ch chan *events.Event) {
	for e := range ch {
		if e.RunID == "" {
			continue
		}
		payload, err := e.JSON()
		if err != nil {
			continue
		}
		b.Publish(e.RunID, e.Type, payload)
	}
}

// ServeRun streams a run's events over SSE. Honors Last-Event-Id for
// resumption and sends a comment heartbeat while idle.
func (b *Broker) ServeRun(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var afterID uint64
	if raw := r.Header.Get("Last-Event-Id"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterID = id
		}
	}

	replay, live, err := b.Subscribe(runID, afterID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer b.Unsubscribe(runID, live)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Replay runs ahead of the live channel; an event queued on both sides
	// during the handoff is suppressed by the lastSent watermark.
	var lastSent uint64
	for _, ev := range replay {
		writeFrame(w, ev)
		lastSent = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-live:
			if ev.ID <= lastSent {
				continue
			}
			writeFrame(w, ev)
			lastSent = ev.ID
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev BufferedEvent) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
}
