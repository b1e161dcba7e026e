package memory

import (
	"context"
	"fmt"

	"github.com/cuongbtq/channelops/internal/domain"
)

func (s *Store) CreateSession(_ context.Context, session *domain.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = newID()
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("failed to create stream session: duplicate id %s", session.ID)
	}
	if session.Status == "" {
		session.Status = domain.StreamSessionLive
	}

	now := s.clock()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.ID] = copySession(session)
	if _, ok := s.events[session.EventID]; !ok {
		s.events[session.EventID] = string(domain.StreamSessionLive)
	}
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(session), nil
}

func (s *Store) UpdateSession(_ context.Context, session *domain.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	session.UpdatedAt = s.clock()
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *Store) SetEventStatus(_ context.Context, eventID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[eventID] = status
	return nil
}
