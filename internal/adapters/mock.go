package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// MockAdapter returns a deterministic synthetic response keyed by the
// request params, so repeated identical requests are byte-identical and
// tests can assert on bodies. An optional simulated latency reproduces the
// latency histogram shape of the live upstream.
type MockAdapter struct {
	tool    string
	actions map[string]bool
	latency time.Duration
	calls   atomic.Int64
}

// NewMockAdapter creates a mock for one tool and its allowed actions.
func NewMockAdapter(tool string, actions ...string) *MockAdapter {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return &MockAdapter{tool: tool, actions: set}
}

// WithLatency sets a simulated per-call latency.
func (m *MockAdapter) WithLatency(d time.Duration) *MockAdapter {
	m.latency = d
	return m
}

func (m *MockAdapter) Tool() string      { return m.tool }
func (m *MockAdapter) SecretKey() string { return "" }

// Calls returns how many times Invoke ran. Tests use this to prove that
// policy denials, cache hits, and open breakers never reach the upstream.
func (m *MockAdapter) Calls() int64 { return m.calls.Load() }

func (m *MockAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	m.calls.Add(1)

	if !m.actions[req.Action] {
		return nil, &Error{
			Kind:    KindBadRequest,
			Status:  400,
			Message: fmt.Sprintf("unknown action %q for tool %q", req.Action, req.Tool),
		}
	}

	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{Kind: KindTimeout, Status: 504, Message: "deadline exceeded"}
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Status: 504, Message: "deadline exceeded"}
	}

	// Deterministic body: same params always hash to the same fingerprint.
	sum := sha256.Sum256(canonical(req.Params))
	body, _ := json.Marshal(map[string]interface{}{
		"mode":        "mock",
		"tool":        req.Tool,
		"action":      req.Action,
		"fingerprint": hex.EncodeToString(sum[:8]),
		"echo":        req.Params,
	})

	return &Result{Status: 200, Body: body}, nil
}

// canonical re-marshals params so key order cannot change the fingerprint.
func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
