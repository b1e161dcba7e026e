package dto

import (
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/queue"
)

type QueueStatsResponse struct {
	Total                int            `json:"total"`
	ByStatus             map[string]int `json:"by_status"`
	ByType               map[string]int `json:"by_type"`
	WindowSeconds        float64        `json:"window_seconds"`
	CompletedInWindow    int            `json:"completed_in_window"`
	FailedInWindow       int            `json:"failed_in_window"`
	ProcessingRate       float64        `json:"processing_rate_per_minute"`
	FailureRate          float64        `json:"failure_rate_percent"`
	AvgProcessingSeconds *float64       `json:"avg_processing_seconds"`
	Agents               FleetDTO       `json:"agents"`
}

type FleetDTO struct {
	Total         int `json:"total"`
	Healthy       int `json:"healthy"`
	Unhealthy     int `json:"unhealthy"`
	TotalLoad     int `json:"total_load"`
	TotalCapacity int `json:"total_capacity"`
}

func NewQueueStatsResponse(d *queue.Dashboard) QueueStatsResponse {
	byStatus := make(map[string]int, len(domain.AllJobStatuses))
	for status, n := range d.Stats.ByStatus {
		byStatus[string(status)] = n
	}
	return QueueStatsResponse{
		Total:                d.Stats.Total,
		ByStatus:             byStatus,
		ByType:               d.Stats.ByType,
		WindowSeconds:        d.Stats.Window.Seconds(),
		CompletedInWindow:    d.Stats.CompletedInWindow,
		FailedInWindow:       d.Stats.FailedInWindow,
		ProcessingRate:       d.Stats.ProcessingRate,
		FailureRate:          d.Stats.FailureRate,
		AvgProcessingSeconds: d.Stats.AvgProcessingSeconds,
		Agents: FleetDTO{
			Total:         d.Agents.Total,
			Healthy:       d.Agents.Healthy,
			Unhealthy:     d.Agents.Unhealthy,
			TotalLoad:     d.Agents.TotalLoad,
			TotalCapacity: d.Agents.TotalCapacity,
		},
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
