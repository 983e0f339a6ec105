// Package adapters defines the uniform upstream contract every tool call
// goes through, plus the live and deterministic mock implementations.
// Adapters are stateless and reentrant; the deadline on the context is the
// adapter's to honor.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Request is one upstream invocation.
type Request struct {
	Tool   string
	Action string
	Params json.RawMessage
	Secret string // resolved upstream credential, empty when not required
}

// Result is a successful upstream response.
type Result struct {
	Status  int               `json:"status"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ErrorKind classifies upstream failures for the breaker and retry layers.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindUpstream5xx ErrorKind = "5xx"
	KindBadRequest  ErrorKind = "bad_request" // 4xx: never a breaker failure
)

// Error is a classified upstream failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s (%d): %s", e.Kind, e.Status, e.Message)
}

// CountsAsBreakerFailure reports whether this failure should trip breaker
// accounting. Client-side 4xx outcomes do not.
func (e *Error) CountsAsBreakerFailure() bool {
	return e.Kind != KindBadRequest
}

// Adapter executes one tool against its upstream.
type Adapter interface {
	// Tool returns the tool name this adapter serves.
	Tool() string
	// SecretKey returns the credential key the adapter needs, or "" when
	// none is required.
	SecretKey() string
	// Invoke performs the call. It must return before the context
	// deadline, surfacing KindTimeout instead of overrunning.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Registry resolves adapters by tool name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its tool.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Tool()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a tool.
func (r *Registry) Get(tool string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tool]
	return a, ok
}

// Tools lists registered tool names.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for tool := range r.adapters {
		out = append(out, tool)
	}
	return out
}
