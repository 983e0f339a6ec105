package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Emit(TypeRequestStarted, "run-1", "cid-1", map[string]interface{}{"tool": "serpapi"})

	select {
	case e := <-ch:
		assert.Equal(t, TypeRequestStarted, e.Type)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, "cid-1", e.CorrelationID)
		assert.Equal(t, "1.0", e.SpecVersion)
		assert.Equal(t, "serpapi", e.Data["tool"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		// Nobody drains ch: publishing far past the buffer must not hang.
		for i := 0; i < 1000; i++ {
			b.Emit(TypeRequestFinished, "run-1", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Emit(TypeRequestStarted, "", "", nil)
}

func TestEvent_JSON(t *testing.T) {
	e := New(TypePolicyDenied, "run-1", "cid-1", map[string]interface{}{"reason": "no_scope"})
	raw, err := e.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"gateway.policy.denied"`)
	assert.Contains(t, string(raw), `"runid":"run-1"`)
}
