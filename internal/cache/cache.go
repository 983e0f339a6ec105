// Package cache is the bounded, process-local response cache for safe
// (tool, action) pairs. Lookups for the same key in flight are coalesced
// with singleflight so the upstream sees one call.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one cached upstream response.
type Entry struct {
	Status   int               `json:"status"`
	Body     json.RawMessage   `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
	TTL      time.Duration     `json:"ttl"`
}

// expired reports whether the entry's age exceeds its TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// Cache is a sharded LRU with per-entry TTL. Each shard holds its slice of
// the capacity under its own lock, keeping contention per-key rather than
// global.
type Cache struct {
	shards []*shard
	group  singleflight.Group
	now    func() time.Time
}

type shard struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type lruItem struct {
	key   string
	entry *Entry
}

// New creates a cache with the default shard count.
func New(capacity int) *Cache {
	return NewWithShards(capacity, 64)
}

// NewWithShards creates a cache whose capacity is split evenly across
// shardCount shards. A single shard gives a strict global LRU.
func NewWithShards(capacity, shardCount int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	if shardCount <= 0 {
		shardCount = 1
	}
	perShard := (capacity + shardCount - 1) / shardCount
	c := &Cache{shards: make([]*shard, shardCount), now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity: perShard,
			entries:  make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

// Key derives the stable cache key for a request. Params are canonicalized
// (object keys sorted) before hashing so semantically equal bodies collide.
func Key(agentID, tool, action string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(canonicalJSON(params))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals arbitrary JSON so object keys come out sorted.
// Invalid JSON hashes as its raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v) // map keys are sorted by encoding/json
	if err != nil {
		return raw
	}
	return out
}

// Get returns a live entry. Expired entries are removed and reported as
// misses: the cache never serves data older than stored_at + ttl.
func (c *Cache) Get(key string) (*Entry, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if item.entry.expired(c.now()) {
		sh.order.Remove(el)
		delete(sh.entries, key)
		return nil, false
	}
	sh.order.MoveToFront(el)
	return item.entry, true
}

// Put stores an entry, evicting the least-recently-used entry of the shard
// when at capacity. A non-positive TTL is a no-op: the pair is uncacheable.
func (c *Cache) Put(key string, e *Entry) {
	if e == nil || e.TTL <= 0 {
		return
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}

	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.entries[key]; ok {
		el.Value.(*lruItem).entry = e
		sh.order.MoveToFront(el)
		return
	}

	if sh.order.Len() >= sh.capacity {
		oldest := sh.order.Back()
		if oldest != nil {
			sh.order.Remove(oldest)
			delete(sh.entries, oldest.Value.(*lruItem).key)
		}
	}
	sh.entries[key] = sh.order.PushFront(&lruItem{key: key, entry: e})
}

// Do serves key from cache or runs loader exactly once for all concurrent
// callers of the same key. The winner's entry is stored (when ttl > 0);
// late arrivals wait on the winner's outcome and share its result. The
// second return reports whether the response came from cache rather than
// this call's loader.
func (c *Cache) Do(key string, ttl time.Duration, loader func() (*Entry, error)) (*Entry, bool, error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	shared := false
	v, err, sharedFlight := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have populated between our miss
		// and acquiring the flight.
		if e, ok := c.Get(key); ok {
			shared = true
			return e, nil
		}
		e, err := loader()
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			e.TTL = ttl
			c.Put(key, e)
		}
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), shared || sharedFlight, nil
}

// Len returns the number of live entries across shards.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += sh.order.Len()
		sh.mu.Unlock()
	}
	return n
}

func (c *Cache) shardFor(key string) *shard {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%uint32(len(c.shards))]
}
