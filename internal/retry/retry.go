// Package retry wraps adapter calls in bounded retries with exponential
// backoff and jitter. Only explicitly whitelisted idempotent (tool, action)
// pairs are ever retried; everything else gets a single attempt.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Classification of a failed attempt. Only transient upstream failures are
// retryable; policy and client errors surface immediately.
type Class int

const (
	ClassPermanent Class = iota
	ClassTimeout
	ClassNetwork
	ClassUpstream5xx
	ClassProbeFailed
)

// Retryable reports whether a failure class qualifies for another attempt.
func (c Class) Retryable() bool { return c != ClassPermanent }

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	case ClassUpstream5xx:
		return "5xx"
	case ClassProbeFailed:
		return "breaker_probe_failed"
	default:
		return "permanent"
	}
}

// Classifier maps an attempt error to a failure class.
type Classifier func(err error) Class

// Config tunes the executor.
type Config struct {
	MaxAttempts int           // total attempts including the first
	BaseBackoff time.Duration // backoff is base * 2^attempt + U(0, base)
	Enabled     bool          // off means single attempt, whitelist ignored
}

// Executor retries idempotent calls. Stateless apart from its whitelist;
// safe for concurrent use.
type Executor struct {
	cfg      Config
	classify Classifier

	mu         sync.RWMutex
	idempotent map[string]bool // "tool:action" -> retry allowed

	// OnRetry is invoked before each re-attempt, for metrics.
	OnRetry func(tool, action string, attempt int, class Class)
}

// NewExecutor creates an executor. classify must not be nil.
func NewExecutor(cfg Config, classify Classifier) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 50 * time.Millisecond
	}
	return &Executor{
		cfg:      cfg,
		classify: classify,
		idempotent: map[string]bool{
			// Read-side defaults. gmail_send is deliberately absent and
			// must never be added.
			"serpapi:search":    true,
			"http_fetch:get":    true,
			"llm_chat:complete": false,
		},
	}
}

// Whitelist marks a (tool, action) pair as idempotent and retryable.
func (e *Executor) Whitelist(tool, action string, retryable bool) {
	e.mu.Lock()
	e.idempotent[tool+":"+action] = retryable
	e.mu.Unlock()
}

func (e *Executor) retryable(tool, action string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idempotent[tool+":"+action]
}

// Do runs fn, retrying transient failures for whitelisted pairs. Backoff
// never runs past the context deadline: once ctx is done the last error is
// returned unchanged.
func (e *Executor) Do(ctx context.Context, tool, action string, fn func(ctx context.Context) error) error {
	attempts := 1
	if e.cfg.Enabled && e.retryable(tool, action) {
		attempts = e.cfg.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.BaseBackoff*(1<<uint(attempt)) +
				time.Duration(rand.Int63n(int64(e.cfg.BaseBackoff)))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		class := e.classify(lastErr)
		if !class.Retryable() {
			return lastErr
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return lastErr
		}
		if attempt+1 < attempts && e.OnRetry != nil {
			e.OnRetry(tool, action, attempt+1, class)
		}
	}
	return lastErr
}
