// Package policy evaluates (agent, tool, action, params) against the
// agent's active policies. The policy is authoritative: token-carried
// scopes are a subset hint only and never widen what a policy allows.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/backend/internal/store"
)

// Deny reasons, stable machine strings.
const (
	ReasonNoScope       = "no_scope"
	ReasonDomainBlocked = "domain_blocked"
	ReasonSizeExceeded  = "size_exceeded"
	ReasonNoPolicy      = "no_policy"
)

// Spec is the strongly-typed form of a policy's free-form JSON spec.
type Spec struct {
	Scopes []string `json:"scopes"` // "tool:action" strings
	Intent string   `json:"intent,omitempty"`
	Guards *Guards  `json:"guards,omitempty"`
}

// Guards are optional request constraints layered on top of scopes.
type Guards struct {
	AllowedDomains []string       `json:"allowedDomains,omitempty"`
	MaxRequestSize int            `json:"maxRequestSize,omitempty"`
	Quotas         map[string]int `json:"quotas,omitempty"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allow  bool
	Reason string // set on deny
}

// parsedPolicy pairs a store row with its decoded spec and a scope set for
// O(1) matching.
type parsedPolicy struct {
	row      *store.Policy
	spec     Spec
	scopeSet map[string]struct{}
}

// Engine loads, caches, and evaluates policies. Parsed policies are cached
// per agent and invalidated on writes that go through the engine.
type Engine struct {
	policies store.PolicyStore

	// Tools whose requests reach out over the network; only these are
	// subject to the allowedDomains guard.
	networkBound map[string]bool

	mu    sync.RWMutex
	cache map[string][]*parsedPolicy // agentID -> parsed active policies
}

// NewEngine creates a policy engine over the given store.
func NewEngine(policies store.PolicyStore) *Engine {
	return &Engine{
		policies: policies,
		networkBound: map[string]bool{
			"http_fetch": true,
		},
		cache: make(map[string][]*parsedPolicy),
	}
}

// SetNetworkBound marks a tool as network-bound for domain guarding.
func (e *Engine) SetNetworkBound(tool string, bound bool) {
	e.mu.Lock()
	e.networkBound[tool] = bound
	e.mu.Unlock()
}

// Attach creates and activates a policy for an agent, hashing the spec and
// invalidating the agent's cache. The write path goes through the engine so
// the parsed cache can never serve a stale policy set.
func (e *Engine) Attach(ctx context.Context, agentID, name string, spec Spec) (*store.Policy, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("serialize policy spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	now := time.Now()

	p := &store.Policy{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		Spec:      raw,
		SpecHash:  hex.EncodeToString(sum[:]),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.policies.UpsertPolicy(ctx, p); err != nil {
		return nil, err
	}

	e.Invalidate(agentID)
	return p, nil
}

// Invalidate drops the cached parse for an agent.
func (e *Engine) Invalidate(agentID string) {
	e.mu.Lock()
	delete(e.cache, agentID)
	e.mu.Unlock()
}

// Evaluate checks whether the agent may run tool:action with the given
// params. Scope matching is exact and case-sensitive. The allowedDomains
// guard applies only to network-bound tools and allows suffix matches
// ("example.com" admits "api.example.com").
func (e *Engine) Evaluate(ctx context.Context, agentID, tool, action string, params json.RawMessage) (Decision, error) {
	parsed, err := e.load(ctx, agentID)
	if err != nil {
		return Decision{}, err
	}
	if len(parsed) == 0 {
		return Decision{Allow: false, Reason: ReasonNoPolicy}, nil
	}

	scope := tool + ":" + action
	var granting *parsedPolicy
	for _, p := range parsed {
		if _, ok := p.scopeSet[scope]; ok {
			granting = p
			break
		}
	}
	if granting == nil {
		return Decision{Allow: false, Reason: ReasonNoScope}, nil
	}

	// Guards come from the union of active policies: any policy's guard
	// failing blocks the request even if another policy granted the scope.
	for _, p := range parsed {
		g := p.spec.Guards
		if g == nil {
			continue
		}
		if g.MaxRequestSize > 0 && len(params) > g.MaxRequestSize {
			return Decision{Allow: false, Reason: ReasonSizeExceeded}, nil
		}
		if len(g.AllowedDomains) > 0 && e.isNetworkBound(tool) {
			host := targetHost(params)
			if !domainAllowed(host, g.AllowedDomains) {
				return Decision{Allow: false, Reason: ReasonDomainBlocked}, nil
			}
		}
	}

	return Decision{Allow: true}, nil
}

func (e *Engine) isNetworkBound(tool string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.networkBound[tool]
}

// load returns the parsed active policies for an agent, consulting the
// cache first.
func (e *Engine) load(ctx context.Context, agentID string) ([]*parsedPolicy, error) {
	e.mu.RLock()
	parsed, ok := e.cache[agentID]
	e.mu.RUnlock()
	if ok {
		return parsed, nil
	}

	rows, err := e.policies.ActivePolicies(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	parsed = make([]*parsedPolicy, 0, len(rows))
	for _, row := range rows {
		var spec Spec
		if err := json.Unmarshal(row.Spec, &spec); err != nil {
			// A malformed stored spec must fail closed, not crash the
			// pipeline. Skip it; the agent simply has fewer scopes.
			continue
		}
		pp := &parsedPolicy{row: row, spec: spec, scopeSet: make(map[string]struct{}, len(spec.Scopes))}
		for _, s := range spec.Scopes {
			pp.scopeSet[s] = struct{}{}
		}
		parsed = append(parsed, pp)
	}

	e.mu.Lock()
	e.cache[agentID] = parsed
	e.mu.Unlock()
	return parsed, nil
}

// targetHost extracts the upstream host a network-bound request will reach.
// Looks for "url" then "host" in the params object.
func targetHost(params json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(params, &m); err != nil {
		return ""
	}
	if raw, ok := m["url"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if u, err := url.Parse(s); err == nil && u.Host != "" {
				return u.Hostname()
			}
		}
	}
	if raw, ok := m["host"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return ""
}

// domainAllowed reports whether host is one of the allowed domains or a
// subdomain of one. An unknown host never passes a domain guard.
func domainAllowed(host string, allowed []string) bool {
	if host == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
