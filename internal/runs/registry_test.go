package runs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()

	run := r.Create("agent-1")
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StateCreated, run.State)

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_EnsureHonorsInboundID(t *testing.T) {
	r := NewRegistry()

	run := r.Ensure("caller-chosen-id", "agent-1")
	assert.Equal(t, "caller-chosen-id", run.ID)

	again := r.Ensure("caller-chosen-id", "agent-1")
	assert.Equal(t, run.ID, again.ID, "an existing run is reused, not replaced")

	fresh := r.Ensure("", "agent-1")
	assert.NotEmpty(t, fresh.ID, "empty ID mints a new run")
	assert.NotEqual(t, run.ID, fresh.ID)
}

func TestRegistry_Transitions(t *testing.T) {
	r := NewRegistry()
	run := r.Create("agent-1")

	got, err := r.Transition(run.ID, StateRunning)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	got, err = r.Transition(run.ID, StateComplete)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)

	// Terminal states are sticky.
	got, err = r.Transition(run.ID, StateRunning)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State, "no transition out of a terminal state")

	_, err = r.Transition("missing", StateRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SweepEvictsIdleRuns(t *testing.T) {
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return clock }

	stale := r.Create("agent-1")
	_, err := r.Transition(stale.ID, StateRunning)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	fresh := r.Create("agent-1")

	// First sweep closes out the idle run but keeps it readable.
	assert.Zero(t, r.Sweep(30*time.Minute))
	got, err := r.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State, "idle runs are completed, not dropped outright")

	got, err = r.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State, "recent runs are untouched")

	// Once idle again in its terminal state, the run is removed.
	clock = clock.Add(time.Hour)
	assert.Equal(t, 1, r.Sweep(30*time.Minute))
	_, err = r.Get(stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_EnsureTouchKeepsRunAlive(t *testing.T) {
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return clock }

	r.Ensure("run-1", "agent-1")
	clock = clock.Add(20 * time.Minute)
	r.Ensure("run-1", "agent-1")
	clock = clock.Add(20 * time.Minute)

	// 40 minutes since creation but only 20 since the last request.
	assert.Zero(t, r.Sweep(30*time.Minute))
	got, err := r.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StateCreated.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateStopped.Terminal())
}
