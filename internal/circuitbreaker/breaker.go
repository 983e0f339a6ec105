// Package circuitbreaker implements the per-tool three-state breaker that
// fails calls fast after a burst of upstream failures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateHalfOpen              // probing whether the upstream recovered
	StateOpen                  // failing fast
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GaugeValue maps states to the exported metric values: 0=closed,
// 1=half_open, 2=open.
func (s State) GaugeValue() float64 { return float64(s) }

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// Config holds circuit breaker parameters.
type Config struct {
	// Name identifies the guarded tool.
	Name string

	// FailureThreshold failures within Window keep the breaker closed;
	// the next one opens it.
	FailureThreshold int

	// Window is the sliding window over which failures are counted.
	Window time.Duration

	// OpenFor is how long the breaker fails fast before probing.
	OpenFor time.Duration

	// MaxProbes caps concurrent calls allowed in half-open state.
	MaxProbes int

	// OnStateChange is called outside the breaker lock on transitions.
	OnStateChange func(name string, from, to State)
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
}

// Breaker is one per-tool circuit breaker.
//
// Transitions observed by one request may not be visible to a concurrent
// request whose gate check preceded the transition; both outcomes are safe.
// Outcomes reported against a stale generation are dropped.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	failures   []time.Time // failure timestamps inside the sliding window
	probes     int         // in-flight probes while half-open
	openedAt   time.Time
	now        func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Name returns the guarded tool name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, applying the open -> half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	state, _, fire := b.currentState(b.now())
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
	return state
}

// Allow gates one call. On success it returns the generation the caller
// must hand back to Report. In half-open state at most MaxProbes callers
// get through concurrently.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	now := b.now()
	state, gen, fire := b.currentState(now)

	var err error
	switch state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			err = ErrTooManyProbes
		} else {
			b.probes++
		}
	}
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
	return gen, err
}

// Report records the outcome of a call admitted by Allow. Only failures
// that indicate upstream trouble (network, 5xx, timeout) should be reported
// as failures; client-side 4xx outcomes are successes to the breaker.
func (b *Breaker) Report(generation uint64, success bool) {
	b.mu.Lock()
	now := b.now()
	state, current, timerFire := b.currentState(now)
	if generation != current {
		b.mu.Unlock()
		if timerFire != nil {
			timerFire()
		}
		return
	}

	var transition func()
	switch state {
	case StateClosed:
		if success {
			b.prune(now)
			b.mu.Unlock()
			return
		}
		b.failures = append(b.failures, now)
		b.prune(now)
		// The threshold-th failure keeps the breaker closed; the next
		// failure inside the window opens it.
		if len(b.failures) > b.cfg.FailureThreshold {
			transition = b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if success {
			transition = b.setState(StateClosed, now)
		} else {
			transition = b.setState(StateOpen, now)
		}
	}
	b.mu.Unlock()

	// The timer-driven open -> half-open callback always precedes the
	// outcome callback so observers see transitions in order.
	if timerFire != nil {
		timerFire()
	}
	if transition != nil {
		transition()
	}
}

// currentState applies the open-duration timer. Callers hold b.mu and must
// invoke the returned callback, if any, after releasing it.
func (b *Breaker) currentState(now time.Time) (State, uint64, func()) {
	var fire func()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenFor {
		fire = b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation, fire
}

// setState transitions and resets per-state bookkeeping. Returns the
// OnStateChange invocation to run outside the lock, or nil.
func (b *Breaker) setState(state State, now time.Time) func() {
	if b.state == state {
		return nil
	}
	from := b.state
	b.state = state
	b.generation++
	b.probes = 0

	switch state {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.failures = b.failures[:0]
	}

	if b.cfg.OnStateChange == nil {
		return nil
	}
	name := b.cfg.Name
	cb := b.cfg.OnStateChange
	return func() { cb(name, from, state) }
}

// prune drops failure timestamps that slid out of the window.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// Manager holds one breaker per tool, creating them on demand from a
// default config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a manager whose breakers copy the default config.
func NewManager(defaults Config) *Manager {
	defaults.applyDefaults()
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a tool, creating it if necessary.
func (m *Manager) Get(tool string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[tool]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[tool]; ok {
		return b
	}
	cfg := m.defaults
	cfg.Name = tool
	b = New(cfg)
	m.breakers[tool] = b
	return b
}

// States snapshots the state of every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for tool, b := range m.breakers {
		out[tool] = b.State()
	}
	return out
}
