package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clock.now
	return b, clock
}

// fail records one gated failure outcome.
func fail(t *testing.T, b *Breaker) {
	t.Helper()
	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, false)
}

// ============================================================================
// CIRCUIT BREAKER UNIT TESTS
// ============================================================================

func TestBreaker_ThresholdBoundary(t *testing.T) {
	b, _ := newTestBreaker(Config{Name: "http_fetch", FailureThreshold: 3})

	// Exactly threshold failures keep the breaker closed.
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	assert.Equal(t, StateClosed, b.State(), "threshold failures alone do not trip")

	// The next failure opens it.
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen, "open breaker fails fast")
}

func TestBreaker_WindowSlidesFailuresOut(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, Window: 10 * time.Second})

	fail(t, b)
	fail(t, b)
	clock.advance(11 * time.Second)

	// Both failures slid out; two fresh ones still keep it closed.
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())

	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessDoesNotResetWindow(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, Window: time.Minute})

	fail(t, b)
	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, true)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())

	fail(t, b)
	assert.Equal(t, StateOpen, b.State(), "failures within the window accumulate across successes")
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenFor: 5 * time.Second, MaxProbes: 1})

	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	clock.advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State(), "open duration elapsed")

	gen, err := b.Allow()
	require.NoError(t, err, "one probe is admitted")

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrTooManyProbes, "probe concurrency is capped")

	b.Report(gen, true)
	assert.Equal(t, StateClosed, b.State(), "successful probe closes the breaker")

	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenFor: 5 * time.Second})

	fail(t, b)
	fail(t, b)
	clock.advance(5 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, false)
	assert.Equal(t, StateOpen, b.State(), "failed probe reopens")

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_StaleGenerationDropped(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenFor: 5 * time.Second})

	staleGen, err := b.Allow()
	require.NoError(t, err)

	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())
	clock.advance(5 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// An outcome from before the transitions must not affect probing state.
	b.Report(staleGen, false)
	assert.Equal(t, StateHalfOpen, b.State())

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions [][2]State

	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		OpenFor:          time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})

	fail(t, b)
	fail(t, b)
	clock.advance(time.Second)
	_ = b.State() // triggers open -> half_open

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, true)

	require.Len(t, transitions, 3)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, transitions[0])
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, transitions[1])
	assert.Equal(t, [2]State{StateHalfOpen, StateClosed}, transitions[2])
}

// A recovery cycle driven entirely by Allow/Report must still deliver the
// open -> half_open callback before half_open -> closed; a gauge fed by
// these callbacks would otherwise stay on half_open after the breaker
// closed.
func TestBreaker_RecoveryCallbackOrder(t *testing.T) {
	var transitions [][2]State

	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		OpenFor:          time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})

	fail(t, b)
	fail(t, b)
	clock.advance(time.Second)

	// No State() call in between: Allow itself applies the timer.
	gen, err := b.Allow()
	require.NoError(t, err)
	b.Report(gen, true)

	require.Len(t, transitions, 3)
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, transitions[1])
	assert.Equal(t, [2]State{StateHalfOpen, StateClosed}, transitions[2],
		"callbacks arrive in transition order")
	assert.Equal(t, StateClosed, b.State())
}

func TestState_GaugeValues(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.GaugeValue())
	assert.Equal(t, 1.0, StateHalfOpen.GaugeValue())
	assert.Equal(t, 2.0, StateOpen.GaugeValue())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
}

// ============================================================================
// MANAGER TESTS
// ============================================================================

func TestManager_PerToolIsolation(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1})

	fetch := m.Get("http_fetch")
	serp := m.Get("serpapi")
	assert.NotSame(t, fetch, serp)
	assert.Same(t, fetch, m.Get("http_fetch"), "one breaker per tool")

	fail(t, fetch)
	fail(t, fetch)
	assert.Equal(t, StateOpen, fetch.State())
	assert.Equal(t, StateClosed, serp.State(), "other tools are unaffected")

	states := m.States()
	assert.Equal(t, StateOpen, states["http_fetch"])
	assert.Equal(t, StateClosed, states["serpapi"])
}
