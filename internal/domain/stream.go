package domain

import "time"

// StreamSessionStatus is the state of a live-stream session
type StreamSessionStatus string

// Stream session status constants
const (
	StreamSessionLive         StreamSessionStatus = "LIVE"
	StreamSessionReconnecting StreamSessionStatus = "RECONNECTING"
	StreamSessionTerminated   StreamSessionStatus = "TERMINATED"
)

// LiveEventStatusFailed is written to the owning live event when a session gives up
const LiveEventStatusFailed = "FAILED"

// StreamSession tracks the reconnection state of one live stream
type StreamSession struct {
	ID                string
	EventID           string
	AccountID         *string
	Status            StreamSessionStatus
	ReconnectAttempts int
	LastDisconnectAt  *time.Time
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
