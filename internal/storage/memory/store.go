// Package memory is an in-process implementation of storage.Store guarded by
// a single mutex. It backs the test suites and the "memory" storage driver.
package memory

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps every record in maps keyed by id
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs         map[string]*domain.Job
	agents       map[string]*domain.Agent
	agentsByHash map[string]string
	alerts       map[string]*domain.DLQAlert
	alertsByJob  map[string]string
	sessions     map[string]*domain.StreamSession
	events       map[string]string
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now as the store's clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		jobs:         make(map[string]*domain.Job),
		agents:       make(map[string]*domain.Agent),
		agentsByHash: make(map[string]string),
		alerts:       make(map[string]*domain.DLQAlert),
		alertsByJob:  make(map[string]string),
		sessions:     make(map[string]*domain.StreamSession),
		events:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventStatus returns the recorded status of a live event
func (s *Store) EventStatus(eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.events[eventID]
	return status, ok
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func newID() string {
	return uuid.NewString()
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Result = slices.Clone(j.Result)
	c.ErrorDetails = slices.Clone(j.ErrorDetails)
	c.ScheduledAt = clonePtr(j.ScheduledAt)
	c.WorkflowID = clonePtr(j.WorkflowID)
	c.ParentJobID = clonePtr(j.ParentJobID)
	c.NextJobID = clonePtr(j.NextJobID)
	c.AgentID = clonePtr(j.AgentID)
	c.UserID = clonePtr(j.UserID)
	c.AccountID = clonePtr(j.AccountID)
	c.Error = clonePtr(j.Error)
	c.MovedToDLQAt = clonePtr(j.MovedToDLQAt)
	c.DLQReason = clonePtr(j.DLQReason)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func copyAgent(a *domain.Agent) *domain.Agent {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	c.LastHeartbeat = clonePtr(a.LastHeartbeat)
	return &c
}

func copyAlert(a *domain.DLQAlert) *domain.DLQAlert {
	c := *a
	c.AcknowledgedBy = clonePtr(a.AcknowledgedBy)
	c.AcknowledgedAt = clonePtr(a.AcknowledgedAt)
	return &c
}

func copySession(s *domain.StreamSession) *domain.StreamSession {
	c := *s
	c.AccountID = clonePtr(s.AccountID)
	c.LastDisconnectAt = clonePtr(s.LastDisconnectAt)
	c.FailureReason = clonePtr(s.FailureReason)
	return &c
}
