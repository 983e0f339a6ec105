package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when DATABASE_URL is unset.
// Contents are lost on restart; agents and policies created here are only
// as durable as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	policies map[string]*Policy // id -> policy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		policies: make(map[string]*Policy),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return ErrConflict
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, limit int) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One active policy per (agent, name): deactivate any predecessor.
	if p.Active {
		for _, existing := range s.policies {
			if existing.AgentID == p.AgentID && existing.Name == p.Name && existing.ID != p.ID {
				existing.Active = false
				existing.UpdatedAt = time.Now()
			}
		}
	}

	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ActivePolicies(ctx context.Context, agentID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, 4)
	for _, p := range s.policies {
		if p.AgentID == agentID && p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
