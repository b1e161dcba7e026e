package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/domain"
)

// AgentTransition records what the health check did to one stale agent
type AgentTransition struct {
	AgentID               string
	Hostname              string
	PreviousStatus        domain.AgentStatus
	SecondsSinceHeartbeat *float64
	JobsReassigned        int
	JobIDs                []string
}

// HealthSummary is the result of one health check
type HealthSummary struct {
	TotalAgents     int
	HealthyAgents   int
	UnhealthyAgents int
	Transitions     []AgentTransition
	CheckedAt       time.Time
}

// HealthMonitor marks agents with stale heartbeats unhealthy and requeues their work
type HealthMonitor struct {
	agents     *agent.Registry
	dispatcher *Dispatcher
	now        func() time.Time
	logger     *slog.Logger
}

// HealthOption configures a HealthMonitor
type HealthOption func(*HealthMonitor)

// WithClock replaces time.Now for heartbeat age reporting
func WithClock(now func() time.Time) HealthOption {
	return func(m *HealthMonitor) {
		m.now = now
	}
}

func NewHealthMonitor(agents *agent.Registry, dispatcher *Dispatcher, logger *slog.Logger, opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		agents:     agents,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunCheck scans for agents silent longer than domain.HeartbeatTimeout
func (m *HealthMonitor) RunCheck(ctx context.Context) (*HealthSummary, error) {
	now := m.now().UTC()

	stale, err := m.agents.StaleAgents(ctx, domain.HeartbeatTimeout)
	if err != nil {
		return nil, err
	}

	summary := &HealthSummary{
		Transitions: make([]AgentTransition, 0, len(stale)),
		CheckedAt:   now,
	}

	for _, a := range stale {
		transition := AgentTransition{
			AgentID:        a.ID,
			Hostname:       a.Hostname,
			PreviousStatus: a.Status,
		}
		if age, ok := a.HeartbeatAge(now); ok {
			seconds := age.Seconds()
			transition.SecondsSinceHeartbeat = &seconds
		}

		marked, err := m.agents.MarkUnhealthyIfStale(ctx, a.ID, domain.HeartbeatTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to mark agent %s unhealthy: %w", a.ID, err)
		}
		if !marked {
			m.logger.Info("Agent sent a heartbeat during the health check, left healthy",
				slog.String("agent_id", a.ID),
			)
			continue
		}

		reassigned, err := m.dispatcher.ReassignAgentJobs(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		transition.JobsReassigned = reassigned.Count
		transition.JobIDs = reassigned.JobIDs

		if a.Status != domain.AgentStatusUnhealthy {
			m.logger.Warn("Agent marked unhealthy",
				slog.String("agent_id", a.ID),
				slog.String("hostname", a.Hostname),
				slog.Int("jobs_reassigned", reassigned.Count),
			)
		}

		summary.Transitions = append(summary.Transitions, transition)
	}

	fleet, err := m.agents.Summary(ctx)
	if err != nil {
		return nil, err
	}
	summary.TotalAgents = fleet.Total
	summary.HealthyAgents = fleet.Healthy
	summary.UnhealthyAgents = fleet.Unhealthy

	return summary, nil
}
