// Package ratelimit enforces per-agent fixed-window rate limits.
//
// Counters live in process memory: the limit is soft and resets on restart.
package ratelimit

import (
	"sync"
	"time"
)

// Config defines the rate limiting thresholds.
type Config struct {
	// PerMinute is the max requests per agent per 60s window.
	PerMinute int
	// ToolPerMinute optionally caps each (agent, tool) pair per window.
	// Zero disables the second tier.
	ToolPerMinute int
}

// Verdict is the outcome of a limiter check.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration // window remainder, set on deny
}

type window struct {
	count int
	start time.Time
}

// Limiter tracks fixed 60-second windows per key. Mutation is guarded by a
// sharded lock keyed on the agent so hot agents don't contend with each
// other.
type Limiter struct {
	cfg    Config
	shards [shardCount]shard
	now    func() time.Time
}

const (
	shardCount   = 64
	windowLength = time.Minute
)

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// New creates a limiter with the given thresholds.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 5
	}
	l := &Limiter{cfg: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Allow checks both tiers for one request. The agent-wide counter is
// incremented first; the per-tool counter only when the agent tier passed,
// so a denied request is counted once.
func (l *Limiter) Allow(agentID, tool string) Verdict {
	v := l.bump(agentID, l.cfg.PerMinute)
	if !v.Allowed {
		return v
	}
	if l.cfg.ToolPerMinute > 0 && tool != "" {
		return l.bump(agentID+"|"+tool, l.cfg.ToolPerMinute)
	}
	return v
}

// bump increments the counter for key in the current window and reports
// whether it is within limit. On deny, RetryAfter is the remainder of the
// window, always within [0, 60s].
func (l *Limiter) bump(key string, limit int) Verdict {
	now := l.now()
	sh := &l.shards[fnv32(key)%shardCount]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || now.Sub(w.start) >= windowLength {
		sh.windows[key] = &window{count: 1, start: now}
		return Verdict{Allowed: true}
	}

	w.count++
	if w.count > limit {
		return Verdict{Allowed: false, RetryAfter: windowLength - now.Sub(w.start)}
	}
	return Verdict{Allowed: true}
}

// StartCleanup launches a background sweep that drops stale windows so the
// map does not grow unbounded. Returns a stop function.
func (l *Limiter) StartCleanup(interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-2 * windowLength)
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if w.start.Before(cutoff) {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// fnv32 is the 32-bit FNV-1a hash, used for shard selection.
func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
