package domain

import "time"

// DLQAlert is raised once for each job that enters the dead-letter queue
type DLQAlert struct {
	ID               string
	JobID            string
	JobType          string
	ErrorMessage     string
	Attempts         int
	Acknowledged     bool
	AcknowledgedBy   *string
	AcknowledgedAt   *time.Time
	NotificationSent bool
	CreatedAt        time.Time
}

// NewDLQAlert builds an unacknowledged alert for a dead-lettered job
func NewDLQAlert(job *Job) *DLQAlert {
	alert := &DLQAlert{
		JobID:    job.ID,
		JobType:  job.JobType,
		Attempts: job.Attempts,
	}
	if job.Error != nil {
		alert.ErrorMessage = *job.Error
	}
	return alert
}
