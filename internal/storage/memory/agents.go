package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
)

func (s *Store) Upsert(_ context.Context, reg domain.AgentRegistration) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if id, ok := s.agentsByHash[reg.CredentialHash]; ok {
		agent := s.agents[id]
		agent.Hostname = reg.Hostname
		agent.IPAddress = reg.IPAddress
		agent.AgentType = reg.AgentType
		agent.MaxCapacity = reg.MaxCapacity
		if reg.Metadata != nil {
			agent.Metadata = maps.Clone(reg.Metadata)
		}
		agent.Status = domain.AgentStatusHealthy
		agent.LastHeartbeat = timePtr(now)
		agent.UpdatedAt = now
		return copyAgent(agent), nil
	}

	agent := &domain.Agent{
		ID:             newID(),
		CredentialHash: reg.CredentialHash,
		Hostname:       reg.Hostname,
		IPAddress:      reg.IPAddress,
		AgentType:      reg.AgentType,
		Status:         domain.AgentStatusHealthy,
		MaxCapacity:    reg.MaxCapacity,
		Metadata:       maps.Clone(reg.Metadata),
		LastHeartbeat:  timePtr(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.agents[agent.ID] = agent
	s.agentsByHash[agent.CredentialHash] = agent.ID
	return copyAgent(agent), nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return copyAgent(agent), nil
}

func (s *Store) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	return s.selectAgents(func(*domain.Agent) bool { return true }), nil
}

func (s *Store) Heartbeat(_ context.Context, id string, currentLoad int, metadata map[string]any) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}

	now := s.clock()
	agent.CurrentLoad = max(currentLoad, 0)
	if metadata != nil {
		agent.Metadata = maps.Clone(metadata)
	}
	agent.Status = domain.AgentStatusHealthy
	agent.LastHeartbeat = timePtr(now)
	agent.UpdatedAt = now
	return copyAgent(agent), nil
}

func (s *Store) HealthyAgents(_ context.Context) ([]*domain.Agent, error) {
	return s.selectAgents(func(a *domain.Agent) bool {
		return a.Status == domain.AgentStatusHealthy
	}), nil
}

func (s *Store) StaleAgents(_ context.Context, threshold time.Duration) ([]*domain.Agent, error) {
	cutoff := s.clock().Add(-threshold)
	return s.selectAgents(func(a *domain.Agent) bool {
		return a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff)
	}), nil
}

func (s *Store) SetAgentStatus(_ context.Context, id string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return domain.ErrAgentNotFound
	}
	agent.Status = status
	agent.UpdatedAt = s.clock()
	return nil
}

func (s *Store) MarkUnhealthyIfStale(_ context.Context, id string, threshold time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return false, domain.ErrAgentNotFound
	}
	now := s.clock()
	if agent.LastHeartbeat != nil && !agent.LastHeartbeat.Before(now.Add(-threshold)) {
		return false, nil
	}
	agent.Status = domain.AgentStatusUnhealthy
	agent.UpdatedAt = now
	return true, nil
}

func (s *Store) AdjustLoad(_ context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return domain.ErrAgentNotFound
	}
	agent.CurrentLoad = max(agent.CurrentLoad+delta, 0)
	agent.UpdatedAt = s.clock()
	return nil
}

func (s *Store) selectAgents(keep func(*domain.Agent) bool) []*domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]*domain.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if keep(agent) {
			agents = append(agents, copyAgent(agent))
		}
	}
	sort.Slice(agents, func(i, k int) bool {
		if !agents[i].CreatedAt.Equal(agents[k].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[k].CreatedAt)
		}
		return agents[i].ID < agents[k].ID
	})
	return agents
}
