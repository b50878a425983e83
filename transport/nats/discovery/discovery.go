// Package discovery implements the agent discovery sub-protocol carried on
// four well-known broker subjects. Agents announce themselves with
// register, keep their entry alive with heartbeat and leave with
// deregister; anyone can query for agents by name or capability.
package discovery

import (
	"time"
)

// Well-known subjects.
const (
	SubjectRegister   = "qollective.discovery.register"
	SubjectQuery      = "qollective.discovery.query"
	SubjectHeartbeat  = "qollective.discovery.heartbeat"
	SubjectDeregister = "qollective.discovery.deregister"
)

// DefaultQueueGroup spreads discovery requests across registry replicas.
const DefaultQueueGroup = "qollective.discovery"

// AgentStatus is the self-reported health of an agent.
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "healthy"
	StatusDegraded  AgentStatus = "degraded"
	StatusUnhealthy AgentStatus = "unhealthy"
)

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Subjects     []string          `json:"subjects,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       AgentStatus       `json:"status,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

// RegisterRequest announces an agent. An empty ID is assigned by the registry.
type RegisterRequest struct {
	Agent AgentInfo `json:"agent"`
}

type RegisterResponse struct {
	Agent AgentInfo `json:"agent"`
	// HeartbeatInterval is how often the agent should heartbeat to stay listed.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// QueryRequest filters agents. Empty fields match everything; all
// capabilities listed must be present.
type QueryRequest struct {
	Name         string      `json:"name,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status,omitempty"`
}

type QueryResponse struct {
	Agents []AgentInfo `json:"agents"`
}

type HeartbeatRequest struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status,omitempty"`
}

type HeartbeatResponse struct {
	Known bool `json:"known"`
}

type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
}

type DeregisterResponse struct {
	Removed bool `json:"removed"`
}
