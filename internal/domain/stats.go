package domain

import "time"

// QueueStats aggregates job counts and throughput over a time window
type QueueStats struct {
	Total                int
	ByStatus             map[JobStatus]int
	ByType               map[string]int
	Window               time.Duration
	CompletedInWindow    int
	FailedInWindow       int
	ProcessingRate       float64  // completed jobs per minute in the window
	FailureRate          float64  // percentage of finished jobs in the window that failed
	AvgProcessingSeconds *float64 // nil when no job completed in the window
}

// NewQueueStats returns stats with every status present and zeroed
func NewQueueStats(window time.Duration) *QueueStats {
	byStatus := make(map[JobStatus]int, len(AllJobStatuses))
	for _, s := range AllJobStatuses {
		byStatus[s] = 0
	}
	return &QueueStats{
		ByStatus: byStatus,
		ByType:   map[string]int{},
		Window:   window,
	}
}

// Finalize derives the rates from the window counters
func (s *QueueStats) Finalize(durationSum float64, durationSamples int) {
	minutes := s.Window.Minutes()
	if minutes > 0 {
		s.ProcessingRate = float64(s.CompletedInWindow) / minutes
	}

	finished := s.CompletedInWindow + s.FailedInWindow
	if finished > 0 {
		s.FailureRate = float64(s.FailedInWindow) / float64(finished) * 100
	}

	if durationSamples > 0 {
		avg := durationSum / float64(durationSamples)
		s.AvgProcessingSeconds = &avg
	}
}
