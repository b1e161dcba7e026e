package memory

import (
	"context"
	"sort"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

func (s *Store) CreateAlertIfAbsent(_ context.Context, alert *domain.DLQAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alertsByJob[alert.JobID]; exists {
		return false, nil
	}

	if alert.ID == "" {
		alert.ID = newID()
	}
	alert.CreatedAt = s.clock()
	s.alerts[alert.ID] = copyAlert(alert)
	s.alertsByJob[alert.JobID] = alert.ID
	return true, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (*domain.DLQAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, domain.ErrAlertNotFound
	}
	return copyAlert(alert), nil
}

func (s *Store) ListAlerts(_ context.Context, filter storage.AlertFilter) ([]*domain.DLQAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := make([]*domain.DLQAlert, 0)
	for _, alert := range s.alerts {
		if filter.Acknowledged != nil && alert.Acknowledged != *filter.Acknowledged {
			continue
		}
		if filter.JobType != "" && alert.JobType != filter.JobType {
			continue
		}
		alerts = append(alerts, copyAlert(alert))
	}

	sort.Slice(alerts, func(i, k int) bool {
		if alerts[i].CreatedAt.Equal(alerts[k].CreatedAt) {
			return alerts[i].ID > alerts[k].ID
		}
		return alerts[i].CreatedAt.After(alerts[k].CreatedAt)
	})
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

func (s *Store) AcknowledgeAlert(_ context.Context, id, adminID string) (*domain.DLQAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, domain.ErrAlertNotFound
	}
	if !alert.Acknowledged {
		alert.Acknowledged = true
		alert.AcknowledgedBy = &adminID
		alert.AcknowledgedAt = timePtr(s.clock())
	}
	return copyAlert(alert), nil
}

func (s *Store) MarkNotificationSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return domain.ErrAlertNotFound
	}
	alert.NotificationSent = true
	return nil
}
