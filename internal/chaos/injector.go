// Package chaos injects controlled faults into the adapter path. Off by
// default: the injector only fires when explicitly enabled at runtime
// (FF_CHAOS), and only for the configured percentages.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aegisgate/backend/internal/adapters"
)

// Config sets global injection rates in percent [0,100].
type Config struct {
	Enabled    bool
	LatencyPct float64
	ErrorPct   float64 // injected 5xx
	TimeoutPct float64
	Latency    time.Duration
}

// Injector decides per call whether to perturb it. Per-tool biases can
// push individual tools to different rates (e.g. 100% 5xx on http_fetch
// for breaker drills).
type Injector struct {
	mu   sync.RWMutex
	cfg  Config
	bias map[string]Config // tool -> override
	rng  *rand.Rand
}

// New creates an injector. Disabled injectors pass every call through.
func New(cfg Config) *Injector {
	return &Injector{
		cfg:  cfg,
		bias: make(map[string]Config),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetToolBias overrides the injection rates for one tool.
func (in *Injector) SetToolBias(tool string, cfg Config) {
	in.mu.Lock()
	in.bias[tool] = cfg
	in.mu.Unlock()
}

// ClearToolBias removes a tool override.
func (in *Injector) ClearToolBias(tool string) {
	in.mu.Lock()
	delete(in.bias, tool)
	in.mu.Unlock()
}

// SetEnabled flips the global gate at runtime.
func (in *Injector) SetEnabled(enabled bool) {
	in.mu.Lock()
	in.cfg.Enabled = enabled
	in.mu.Unlock()
}

func (in *Injector) configFor(tool string) (Config, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if !in.cfg.Enabled {
		return Config{}, false
	}
	if b, ok := in.bias[tool]; ok {
		return b, true
	}
	return in.cfg, true
}

func (in *Injector) roll(pct float64) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	in.mu.Lock()
	v := in.rng.Float64() * 100
	in.mu.Unlock()
	return v < pct
}

// Wrap decorates an adapter with fault injection.
func (in *Injector) Wrap(a adapters.Adapter) adapters.Adapter {
	return &chaoticAdapter{inner: a, injector: in}
}

type chaoticAdapter struct {
	inner    adapters.Adapter
	injector *Injector
}

func (c *chaoticAdapter) Tool() string      { return c.inner.Tool() }
func (c *chaoticAdapter) SecretKey() string { return c.inner.SecretKey() }

func (c *chaoticAdapter) Invoke(ctx context.Context, req adapters.Request) (*adapters.Result, error) {
	cfg, active := c.injector.configFor(req.Tool)
	if !active {
		return c.inner.Invoke(ctx, req)
	}

	if c.injector.roll(cfg.TimeoutPct) {
		// Burn the remaining deadline the way a hung upstream would.
		<-ctx.Done()
		return nil, &adapters.Error{Kind: adapters.KindTimeout, Status: 504, Message: "injected timeout"}
	}
	if c.injector.roll(cfg.ErrorPct) {
		return nil, &adapters.Error{Kind: adapters.KindUpstream5xx, Status: 503, Message: "injected upstream error"}
	}
	if cfg.Latency > 0 && c.injector.roll(cfg.LatencyPct) {
		timer := time.NewTimer(cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &adapters.Error{Kind: adapters.KindTimeout, Status: 504, Message: "deadline exceeded"}
		case <-timer.C:
		}
	}

	return c.inner.Invoke(ctx, req)
}
