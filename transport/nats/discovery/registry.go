package discovery

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/ids"
)

// Registry stores agent registrations. The default discovery handlers
// forward every request to it.
type Registry interface {
	Register(ctx context.Context, agent AgentInfo) (AgentInfo, error)
	Query(ctx context.Context, q QueryRequest) ([]AgentInfo, error)
	Heartbeat(ctx context.Context, agentID string, status AgentStatus) (bool, error)
	Deregister(ctx context.Context, agentID string) (bool, error)
}

// DefaultTTL is how long an agent stays listed without a heartbeat.
const DefaultTTL = 30 * time.Second

// MemoryRegistry keeps registrations in memory. Agents that miss
// heartbeats for longer than the TTL are hidden from queries and removed
// by Prune.
type MemoryRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	agents map[string]AgentInfo
}

// NewMemoryRegistry builds a registry. A non-positive ttl uses DefaultTTL.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{ttl: ttl, now: time.Now, agents: map[string]AgentInfo{}}
}

// TTL returns the liveness window.
func (r *MemoryRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *MemoryRegistry) Register(_ context.Context, agent AgentInfo) (AgentInfo, error) {
	if strings.TrimSpace(agent.Name) == "" {
		return AgentInfo{}, qerrors.Validation("agent name is required")
	}
	if agent.ID == "" {
		agent.ID = ids.CreateULID()
	}
	if agent.Status == "" {
		agent.Status = StatusHealthy
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agents[agent.ID]; ok {
		agent.RegisteredAt = prev.RegisteredAt
	} else {
		agent.RegisteredAt = now
	}
	agent.LastSeen = now
	agent.Capabilities = slices.Clone(agent.Capabilities)
	agent.Subjects = slices.Clone(agent.Subjects)
	r.agents[agent.ID] = agent
	return agent, nil
}

func (r *MemoryRegistry) Query(_ context.Context, q QueryRequest) ([]AgentInfo, error) {
	cutoff := r.now().Add(-r.ttl)
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []AgentInfo{}
	for _, agent := range r.agents {
		if agent.LastSeen.Before(cutoff) || !q.matches(agent) {
			continue
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, agentID string, status AgentStatus) (bool, error) {
	if agentID == "" {
		return false, qerrors.Validation("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return false, nil
	}
	agent.LastSeen = r.now().UTC()
	if status != "" {
		agent.Status = status
	}
	r.agents[agentID] = agent
	return true, nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	return ok, nil
}

// Prune drops agents whose last heartbeat is older than the TTL and
// returns how many were removed.
func (r *MemoryRegistry) Prune() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, agent := range r.agents {
		if agent.LastSeen.Before(cutoff) {
			delete(r.agents, id)
			removed++
		}
	}
	return removed
}

func (q QueryRequest) matches(agent AgentInfo) bool {
	if q.Name != "" && q.Name != agent.Name {
		return false
	}
	if q.Status != "" && q.Status != agent.Status {
		return false
	}
	for _, c := range q.Capabilities {
		if !slices.Contains(agent.Capabilities, c) {
			return false
		}
	}
	return true
}

var _ Registry = (*MemoryRegistry)(nil)
