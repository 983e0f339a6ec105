package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(body string) *Entry {
	return &Entry{Status: 200, Body: json.RawMessage(body), TTL: time.Minute}
}

// ============================================================================
// RESPONSE CACHE UNIT TESTS
// ============================================================================

func TestCache_PutGet(t *testing.T) {
	c := New(16)

	c.Put("k1", entry(`{"a":1}`))
	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`{"a":1}`), got.Body)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_LRUEvictionAtCapacityPlusOne(t *testing.T) {
	// One shard makes the LRU order global and deterministic.
	c := NewWithShards(3, 1)

	c.Put("k1", entry(`1`))
	c.Put("k2", entry(`2`))
	c.Put("k3", entry(`3`))

	// Touch k1 so k2 becomes least recently used.
	_, ok := c.Get("k1")
	require.True(t, ok)

	c.Put("k4", entry(`4`))

	_, ok = c.Get("k2")
	assert.False(t, ok, "least-recently-used entry is evicted")
	for _, k := range []string{"k1", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "entry %s survives", k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewWithShards(8, 1)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("k1", &Entry{Status: 200, Body: json.RawMessage(`1`), TTL: 30 * time.Second})

	now = now.Add(29 * time.Second)
	_, ok := c.Get("k1")
	assert.True(t, ok, "entry younger than its TTL is served")

	// Age exactly equals TTL: the entry must not be served.
	now = now.Add(time.Second)
	_, ok = c.Get("k1")
	assert.False(t, ok, "entry at stored_at + ttl is expired")
	assert.Zero(t, c.Len(), "expired entry is removed on read")
}

func TestCache_PutZeroTTLIsNoop(t *testing.T) {
	c := New(8)
	c.Put("k1", &Entry{Status: 200, Body: json.RawMessage(`1`), TTL: 0})
	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCache_Do_SingleFlight(t *testing.T) {
	c := New(8)

	var calls atomic.Int64
	release := make(chan struct{})
	loader := func() (*Entry, error) {
		calls.Add(1)
		<-release
		return entry(`{"winner":true}`), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.Do("hot-key", time.Minute, loader)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}

	// Give the goroutines a moment to pile onto the flight, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent identical requests collapse to one load")
	for _, e := range results {
		assert.Equal(t, json.RawMessage(`{"winner":true}`), e.Body)
	}
}

func TestCache_Do_HitSkipsLoader(t *testing.T) {
	c := New(8)

	var calls int
	loader := func() (*Entry, error) {
		calls++
		return entry(`1`), nil
	}

	_, fromCache, err := c.Do("k", time.Minute, loader)
	require.NoError(t, err)
	assert.False(t, fromCache)

	_, fromCache, err = c.Do("k", time.Minute, loader)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, 1, calls)
}

func TestCache_Do_ErrorNotCached(t *testing.T) {
	c := New(8)

	boom := errors.New("upstream down")
	_, _, err := c.Do("k", time.Minute, func() (*Entry, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len(), "nothing partial is cached on error")

	e, fromCache, err := c.Do("k", time.Minute, func() (*Entry, error) { return entry(`ok`), nil })
	require.NoError(t, err)
	assert.False(t, fromCache, "a failed load leaves the key loadable")
	assert.Equal(t, json.RawMessage(`ok`), e.Body)
}

func TestKey_CanonicalizesParams(t *testing.T) {
	a := Key("agent-1", "serpapi", "search", json.RawMessage(`{"q":"x","n":3}`))
	b := Key("agent-1", "serpapi", "search", json.RawMessage(`{"n":3,"q":"x"}`))
	assert.Equal(t, a, b, "key order inside params must not change the cache key")

	c := Key("agent-1", "serpapi", "search", json.RawMessage(`{"q":"y","n":3}`))
	assert.NotEqual(t, a, c)

	d := Key("agent-2", "serpapi", "search", json.RawMessage(`{"q":"x","n":3}`))
	assert.NotEqual(t, a, d, "cache entries are per agent")
}

func TestKey_FieldSeparation(t *testing.T) {
	// Tool/action boundaries must not be ambiguous.
	a := Key("a", "to", "olx", nil)
	b := Key("a", "tool", "x", nil)
	assert.NotEqual(t, a, b)
}

func TestCache_ShardedCapacity(t *testing.T) {
	c := New(64)
	for i := 0; i < 200; i++ {
		c.Put(fmt.Sprintf("k%d", i), entry(`1`))
	}
	assert.LessOrEqual(t, c.Len(), 64, "total entries stay within capacity")
}
