// Package runs tracks execution contexts. A run is the correlation root
// for metrics, telemetry, and SSE streams; terminal states are sticky.
package runs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a run lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Terminal reports whether a state is sticky.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateStopped
}

var ErrNotFound = errors.New("run not found")

// Run is one execution context. Active runs live in process memory and are
// lost on restart.
type Run struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry holds active runs.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run), now: time.Now}
}

// Create starts a new run in the created state.
func (r *Registry) Create(agentID string) *Run {
	now := r.now()
	run := &Run{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()
	return run
}

// Get returns a snapshot of a run.
func (r *Registry) Get(id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// Ensure returns the run with the given ID, creating it when the ID is
// unknown (inbound X-Run-Id from a caller the gateway has not seen).
func (r *Registry) Ensure(id, agentID string) *Run {
	if id == "" {
		return r.Create(agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if run, ok := r.runs[id]; ok {
		// Touch so the idle sweep sees the run as active.
		run.UpdatedAt = now
		cp := *run
		return &cp
	}
	run := &Run{ID: id, AgentID: agentID, State: StateCreated, CreatedAt: now, UpdatedAt: now}
	r.runs[id] = run
	cp := *run
	return &cp
}

// Transition moves a run to a new state. Terminal states are sticky: any
// transition out of one is refused.
func (r *Registry) Transition(id string, to State) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if run.State.Terminal() {
		cp := *run
		return &cp, nil
	}
	run.State = to
	run.UpdatedAt = r.now()
	cp := *run
	return &cp, nil
}

// Sweep closes out runs idle past idleAfter and removes idle terminal
// runs. A run completed by one sweep stays readable until the next, so a
// late GET or stream resume still sees its final state. Returns the
// number of runs removed.
func (r *Registry) Sweep(idleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-idleAfter)

	removed := 0
	for id, run := range r.runs {
		if !run.UpdatedAt.Before(cutoff) {
			continue
		}
		if run.State.Terminal() {
			delete(r.runs, id)
			removed++
			continue
		}
		run.State = StateComplete
		run.UpdatedAt = now
	}
	return removed
}

// StartCleanup launches a background sweep so abandoned runs do not
// accumulate for the life of the process. Returns a stop function.
func (r *Registry) StartCleanup(interval, idleAfter time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				r.Sweep(idleAfter)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
