package dto

import (
	"time"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/domain"
)

type RegisterAgentRequest struct {
	Credential  string         `json:"credential" binding:"required"`
	Hostname    string         `json:"hostname" binding:"required"`
	IPAddress   string         `json:"ip_address"`
	AgentType   string         `json:"agent_type"`
	MaxCapacity int            `json:"max_capacity" binding:"min=0"`
	Metadata    map[string]any `json:"metadata"`
}

func (r *RegisterAgentRequest) ToRegister(clientIP string) agent.RegisterRequest {
	ip := r.IPAddress
	if ip == "" {
		ip = clientIP
	}
	return agent.RegisterRequest{
		Credential:  r.Credential,
		Hostname:    r.Hostname,
		IPAddress:   ip,
		AgentType:   r.AgentType,
		MaxCapacity: r.MaxCapacity,
		Metadata:    r.Metadata,
	}
}

type HeartbeatRequest struct {
	CurrentLoad int            `json:"current_load" binding:"min=0"`
	Metadata    map[string]any `json:"metadata"`
}

type AgentDTO struct {
	AgentID       string         `json:"agent_id"`
	Hostname      string         `json:"hostname"`
	IPAddress     string         `json:"ip_address,omitempty"`
	AgentType     string         `json:"agent_type,omitempty"`
	Status        string         `json:"status"`
	CurrentLoad   int            `json:"current_load"`
	MaxCapacity   int            `json:"max_capacity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastHeartbeat *string        `json:"last_heartbeat,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

func NewAgentDTO(a *domain.Agent) AgentDTO {
	return AgentDTO{
		AgentID:       a.ID,
		Hostname:      a.Hostname,
		IPAddress:     a.IPAddress,
		AgentType:     a.AgentType,
		Status:        string(a.Status),
		CurrentLoad:   a.CurrentLoad,
		MaxCapacity:   a.MaxCapacity,
		Metadata:      a.Metadata,
		LastHeartbeat: formatTimePtr(a.LastHeartbeat),
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
}

type ListAgentsResponse struct {
	Agents []AgentDTO `json:"agents"`
}

func NewListAgentsResponse(agents []*domain.Agent) ListAgentsResponse {
	out := make([]AgentDTO, len(agents))
	for i, a := range agents {
		out[i] = NewAgentDTO(a)
	}
	return ListAgentsResponse{Agents: out}
}
