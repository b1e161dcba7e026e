package domain

import "time"

// AgentStatus is the health state of an agent
type AgentStatus string

// Agent status constants
const (
	AgentStatusHealthy   AgentStatus = "HEALTHY"
	AgentStatusUnhealthy AgentStatus = "UNHEALTHY"
)

// HeartbeatTimeout is the heartbeat age after which an agent is considered stale
const HeartbeatTimeout = 60 * time.Second

// Agent is a worker process that registers, heartbeats and executes jobs
type Agent struct {
	ID             string
	CredentialHash string
	Hostname       string
	IPAddress      string
	AgentType      string
	Status         AgentStatus
	CurrentLoad    int
	MaxCapacity    int
	Metadata       map[string]any
	LastHeartbeat  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsAvailable reports whether the agent can accept another job
func (a *Agent) IsAvailable() bool {
	return a.Status == AgentStatusHealthy && a.CurrentLoad < a.MaxCapacity
}

// RemainingCapacity is the number of additional jobs the agent can take
func (a *Agent) RemainingCapacity() int {
	return a.MaxCapacity - a.CurrentLoad
}

// HeartbeatAge returns how long ago the agent last reported in, and false if it never has
func (a *Agent) HeartbeatAge(now time.Time) (time.Duration, bool) {
	if a.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*a.LastHeartbeat), true
}

// AgentRegistration carries the connection fields for an agent upsert
type AgentRegistration struct {
	CredentialHash string
	Hostname       string
	IPAddress      string
	AgentType      string
	MaxCapacity    int
	Metadata       map[string]any
}
