// Package agent tracks worker agents: registration, heartbeats and health state.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

// DefaultMaxCapacity is used when neither the request nor the config sets a capacity
const DefaultMaxCapacity = 5

// RegisterRequest is what an agent sends when it comes online
type RegisterRequest struct {
	Credential  string
	Hostname    string
	IPAddress   string
	AgentType   string
	MaxCapacity int
	Metadata    map[string]any
}

// Registry is the entry point for agent bookkeeping
type Registry struct {
	store           storage.AgentStore
	defaultCapacity int
	logger          *slog.Logger
}

// NewRegistry creates a registry. A non-positive defaultCapacity falls back to DefaultMaxCapacity.
func NewRegistry(store storage.AgentStore, defaultCapacity int, logger *slog.Logger) *Registry {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultMaxCapacity
	}
	return &Registry{
		store:           store,
		defaultCapacity: defaultCapacity,
		logger:          logger,
	}
}

// HashCredential returns the hex sha256 digest stored in place of the raw credential
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Register upserts the agent identified by the credential
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*domain.Agent, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, domain.ErrInvalidCredential
	}

	capacity := req.MaxCapacity
	if capacity <= 0 {
		capacity = r.defaultCapacity
	}

	agent, err := r.store.Upsert(ctx, domain.AgentRegistration{
		CredentialHash: HashCredential(req.Credential),
		Hostname:       req.Hostname,
		IPAddress:      req.IPAddress,
		AgentType:      req.AgentType,
		MaxCapacity:    capacity,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	r.logger.Info("Agent registered",
		slog.String("agent_id", agent.ID),
		slog.String("hostname", agent.Hostname),
		slog.Int("max_capacity", agent.MaxCapacity),
	)

	return agent, nil
}

// Heartbeat records that the agent is alive and reports its current load
func (r *Registry) Heartbeat(ctx context.Context, agentID string, currentLoad int, metadata map[string]any) (*domain.Agent, error) {
	agent, err := r.store.Heartbeat(ctx, agentID, currentLoad, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	r.logger.Debug("Agent heartbeat",
		slog.String("agent_id", agentID),
		slog.Int("current_load", agent.CurrentLoad),
	)

	return agent, nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (r *Registry) HealthyAgents(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := r.store.HealthyAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list healthy agents: %w", err)
	}
	return agents, nil
}

// StaleAgents returns agents that have not sent a heartbeat within threshold
func (r *Registry) StaleAgents(ctx context.Context, threshold time.Duration) ([]*domain.Agent, error) {
	agents, err := r.store.StaleAgents(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}
	return agents, nil
}

func (r *Registry) SetStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	if err := r.store.SetAgentStatus(ctx, agentID, status); err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

// MarkUnhealthyIfStale marks the agent unhealthy unless a heartbeat arrived
// after it was found stale
func (r *Registry) MarkUnhealthyIfStale(ctx context.Context, agentID string, threshold time.Duration) (bool, error) {
	marked, err := r.store.MarkUnhealthyIfStale(ctx, agentID, threshold)
	if err != nil {
		return false, fmt.Errorf("failed to mark agent unhealthy: %w", err)
	}
	return marked, nil
}

// AdjustLoad changes the agent's load by delta, clamped at zero
func (r *Registry) AdjustLoad(ctx context.Context, agentID string, delta int) error {
	if err := r.store.AdjustLoad(ctx, agentID, delta); err != nil {
		return fmt.Errorf("failed to adjust agent load: %w", err)
	}
	return nil
}

// FleetSummary aggregates agent counts and capacity for the dashboard
type FleetSummary struct {
	Total         int
	Healthy       int
	Unhealthy     int
	TotalLoad     int
	TotalCapacity int
}

// Summary builds a FleetSummary over every registered agent
func (r *Registry) Summary(ctx context.Context) (*FleetSummary, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	summary := &FleetSummary{Total: len(agents)}
	for _, a := range agents {
		if a.Status == domain.AgentStatusHealthy {
			summary.Healthy++
			summary.TotalCapacity += a.MaxCapacity
		} else {
			summary.Unhealthy++
		}
		summary.TotalLoad += a.CurrentLoad
	}
	return summary, nil
}
