// Package store persists agents and policies. The gateway treats
// persistence as a relational abstraction: a Postgres implementation backs
// production and an in-memory implementation backs tests and local runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDisabled AgentStatus = "disabled"
)

// Agent is a registered autonomous caller. The public key is stored here;
// the private half left the building exactly once at registration. Agents
// are never rekeyed in place: a new key means a new agent.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Role         string      `json:"role"`
	Status       AgentStatus `json:"status"`
	PublicKeyPEM string      `json:"public_key"`
	CreatedBy    string      `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Policy is a persistent authorization rule attached to an agent. Spec is
// free-form JSON in persistence; the policy engine parses it once per load.
// At most one active policy per (agent_id, name).
type Policy struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Spec      json.RawMessage `json:"spec"`
	SpecHash  string          `json:"spec_hash"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AgentStore persists agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, limit int) ([]*Agent, error)
	SetAgentStatus(ctx context.Context, id string, status AgentStatus) error
}

// PolicyStore persists policies. UpsertPolicy deactivates any previously
// active policy with the same (agent_id, name) so the single-active
// invariant holds.
type PolicyStore interface {
	UpsertPolicy(ctx context.Context, p *Policy) error
	ActivePolicies(ctx context.Context, agentID string) ([]*Policy, error)
}

// Store is the combined persistence surface plus a reachability probe used
// by /ready and the boot sequence.
type Store interface {
	AgentStore
	PolicyStore
	Ping(ctx context.Context) error
}
