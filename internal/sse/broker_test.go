package sse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SSE BROKER UNIT TESTS
// ============================================================================

func TestBroker_MonotonicIDsPerRun(t *testing.T) {
	b := NewBroker(0)

	e1 := b.Publish("run-1", "log", []byte(`1`))
	e2 := b.Publish("run-1", "log", []byte(`2`))
	other := b.Publish("run-2", "log", []byte(`x`))

	assert.Equal(t, uint64(1), e1.ID)
	assert.Equal(t, uint64(2), e2.ID)
	assert.Equal(t, uint64(1), other.ID, "IDs are per run, not global")
}

func TestBroker_ReplayThenLive(t *testing.T) {
	b := NewBroker(0)

	b.Publish("run-1", "log", []byte(`1`))
	b.Publish("run-1", "log", []byte(`2`))

	replay, live, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe("run-1", live)

	require.Len(t, replay, 2, "buffered events replay first")
	assert.Equal(t, uint64(1), replay[0].ID)
	assert.Equal(t, uint64(2), replay[1].ID)

	b.Publish("run-1", "log", []byte(`3`))
	select {
	case ev := <-live:
		assert.Equal(t, uint64(3), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestBroker_LastEventIDSkipsReplayed(t *testing.T) {
	b := NewBroker(0)

	for i := 1; i <= 5; i++ {
		b.Publish("run-1", "log", []byte(fmt.Sprintf("%d", i)))
	}

	replay, live, err := b.Subscribe("run-1", 3)
	require.NoError(t, err)
	defer b.Unsubscribe("run-1", live)

	require.Len(t, replay, 2, "events at or below Last-Event-Id are skipped")
	assert.Equal(t, uint64(4), replay[0].ID)
	assert.Equal(t, uint64(5), replay[1].ID)
}

func TestBroker_RingBufferBounded(t *testing.T) {
	b := NewBroker(0)
	b.bufferSize = 4

	for i := 1; i <= 10; i++ {
		b.Publish("run-1", "log", []byte(fmt.Sprintf("%d", i)))
	}

	replay, live, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe("run-1", live)

	require.Len(t, replay, 4, "oldest events fall out of the ring")
	assert.Equal(t, uint64(7), replay[0].ID)
	assert.Equal(t, uint64(10), replay[3].ID)
}

func TestBroker_MaxConcurrentStreams(t *testing.T) {
	b := NewBroker(2)

	_, ch1, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	_, ch2, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)

	_, _, err = b.Subscribe("run-1", 0)
	assert.ErrorIs(t, err, ErrTooManyStreams)
	assert.Equal(t, 2, b.ActiveStreams())

	// Disconnecting frees a slot.
	b.Unsubscribe("run-1", ch1)
	_, ch3, err := b.Subscribe("run-1", 0)
	assert.NoError(t, err)

	b.Unsubscribe("run-1", ch2)
	b.Unsubscribe("run-1", ch3)
	assert.Zero(t, b.ActiveStreams())
}

func TestBroker_SlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroker(0)
	var drops atomic.Int64
	b.OnDrop = func() { drops.Add(1) }

	_, live, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe("run-1", live)

	// Nobody drains the channel: overflow the subscriber buffer.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("run-1", "log", []byte(`x`))
	}

	assert.Equal(t, int64(10), drops.Load(), "each overflow drops the oldest queued event")
	first := <-live
	assert.Equal(t, uint64(11), first.ID, "the queue now starts past the dropped events")
}

func TestBroker_GaugeHooks(t *testing.T) {
	b := NewBroker(0)
	var active atomic.Int64
	b.OnSubscribe = func() { active.Add(1) }
	b.OnUnsubscribe = func() { active.Add(-1) }

	_, ch, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Load())

	b.Unsubscribe("run-1", ch)
	assert.Equal(t, int64(0), active.Load(), "disconnect decrements the gauge")
}

// ============================================================================
// SSE HANDLER TESTS
// ============================================================================

func TestBroker_SweepDropsIdleStreams(t *testing.T) {
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b := NewBroker(0)
	b.now = func() time.Time { return clock }

	b.Publish("run-stale", "gateway.request.started", []byte(`{}`))
	_, live, err := b.Subscribe("run-live", 0)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	b.Publish("run-fresh", "gateway.request.started", []byte(`{}`))

	assert.Equal(t, 1, b.Sweep(30*time.Minute), "only the idle subscriber-less stream is dropped")

	_, ok := b.runs["run-stale"]
	assert.False(t, ok)
	_, ok = b.runs["run-live"]
	assert.True(t, ok, "streams with a subscriber survive regardless of idleness")
	_, ok = b.runs["run-fresh"]
	assert.True(t, ok, "recently published streams survive")

	// Once the subscriber leaves and the stream goes idle it is swept too.
	b.Unsubscribe("run-live", live)
	clock = clock.Add(time.Hour)
	assert.Equal(t, 2, b.Sweep(30*time.Minute))
	assert.Empty(t, b.runs)
}

func TestServeRun_FramesAndResume(t *testing.T) {
	b := NewBroker(0)
	b.Publish("run-1", "gateway.request.started", []byte(`{"tool":"serpapi"}`))
	b.Publish("run-1", "gateway.request.finished", []byte(`{"code":200}`))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1/logs/stream", nil)
	req.Header.Set("Last-Event-Id", "1")
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()

	b.ServeRun(rec, req.WithContext(ctx), "run-1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.NotContains(t, body, "id: 1\n", "resumed past the acknowledged event")
	assert.Contains(t, body, "id: 2\nevent: gateway.request.finished\ndata: {\"code\":200}\n\n")
}

func TestServeRun_TooManyStreams(t *testing.T) {
	b := NewBroker(1)
	_, ch, err := b.Subscribe("run-1", 0)
	require.NoError(t, err)
	defer b.Unsubscribe("run-1", ch)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1/logs/stream", nil)
	rec := httptest.NewRecorder()
	b.ServeRun(rec, req, "run-1")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServeRun_Heartbeat(t *testing.T) {
	b := NewBroker(0)
	b.heartbeat = 20 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1/logs/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 80*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()

	b.ServeRun(rec, req.WithContext(ctx), "run-1")

	assert.True(t, strings.Contains(rec.Body.String(), ": ping\n\n"),
		"idle streams receive comment heartbeats")
}
