package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/queue"
)

type CreateJobRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts" binding:"min=0"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	WorkflowID  *string         `json:"workflow_id"`
	ParentJobID *string         `json:"parent_job_id"`
	NextJobID   *string         `json:"next_job_id"`
	UserID      *string         `json:"user_id"`
	AccountID   *string         `json:"account_id"`
	// Dispatch assigns the job to an agent immediately after it is stored
	Dispatch bool `json:"dispatch"`
}

func (r *CreateJobRequest) ToSpec() domain.JobSpec {
	return domain.JobSpec{
		JobType:     r.JobType,
		Payload:     r.Payload,
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
		ScheduledAt: r.ScheduledAt,
		WorkflowID:  r.WorkflowID,
		ParentJobID: r.ParentJobID,
		NextJobID:   r.NextJobID,
		UserID:      r.UserID,
		AccountID:   r.AccountID,
	}
}

type CreateJobResponse struct {
	Job        JobDTO         `json:"job"`
	Assignment *AssignmentDTO `json:"assignment,omitempty"`
	// DispatchError is set when the job was stored but could not be assigned yet
	DispatchError string `json:"dispatch_error,omitempty"`
}

type ListJobsRequest struct {
	Status      string     `form:"status"`
	JobType     string     `form:"job_type"`
	UserID      string     `form:"user_id"`
	AccountID   string     `form:"account_id"`
	WorkflowID  string     `form:"workflow_id"`
	CreatedFrom *time.Time `form:"created_from" time_format:"2006-01-02T15:04:05Z07:00"`
	CreatedTo   *time.Time `form:"created_to" time_format:"2006-01-02T15:04:05Z07:00"`
	PageSize    int        `form:"page_size"`
	Cursor      string     `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledAt  *string         `json:"scheduled_at,omitempty"`
	WorkflowID   *string         `json:"workflow_id,omitempty"`
	ParentJobID  *string         `json:"parent_job_id,omitempty"`
	NextJobID    *string         `json:"next_job_id,omitempty"`
	AgentID      *string         `json:"agent_id,omitempty"`
	UserID       *string         `json:"user_id,omitempty"`
	AccountID    *string         `json:"account_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *string         `json:"error,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	MovedToDLQAt *string         `json:"moved_to_dlq_at,omitempty"`
	DLQReason    *string         `json:"dlq_reason,omitempty"`
	DLQAlertSent bool            `json:"dlq_alert_sent"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    *string         `json:"started_at,omitempty"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
	UpdatedAt    string          `json:"updated_at"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:        job.ID,
		JobType:      job.JobType,
		Payload:      job.Payload,
		Priority:     job.Priority,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ScheduledAt:  formatTimePtr(job.ScheduledAt),
		WorkflowID:   job.WorkflowID,
		ParentJobID:  job.ParentJobID,
		NextJobID:    job.NextJobID,
		AgentID:      job.AgentID,
		UserID:       job.UserID,
		AccountID:    job.AccountID,
		Result:       job.Result,
		Error:        job.Error,
		ErrorDetails: job.ErrorDetails,
		MovedToDLQAt: formatTimePtr(job.MovedToDLQAt),
		DLQReason:    job.DLQReason,
		DLQAlertSent: job.DLQAlertSent,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		StartedAt:    formatTimePtr(job.StartedAt),
		CompletedAt:  formatTimePtr(job.CompletedAt),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
}

func NewJobDTOs(jobs []*domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = NewJobDTO(job)
	}
	return out
}

type AssignmentDTO struct {
	JobID      string `json:"job_id"`
	AgentID    string `json:"agent_id"`
	JobType    string `json:"job_type"`
	Attempt    int    `json:"attempt"`
	AssignedAt string `json:"assigned_at"`
}

func NewAssignmentDTO(a *dispatch.Assignment) *AssignmentDTO {
	if a == nil {
		return nil
	}
	return &AssignmentDTO{
		JobID:      a.JobID,
		AgentID:    a.AgentID,
		JobType:    a.JobType,
		Attempt:    a.Attempt,
		AssignedAt: a.AssignedAt.Format(time.RFC3339),
	}
}

// RequeueJobRequest is optional; attempts are reset unless reset_attempts is false
type RequeueJobRequest struct {
	ResetAttempts *bool `json:"reset_attempts"`
}

func (r RequeueJobRequest) ShouldResetAttempts() bool {
	return resetOrDefault(r.ResetAttempts)
}

type BulkRequeueRequest struct {
	JobIDs        []string `json:"job_ids" binding:"required,min=1,max=100,dive,uuid"`
	ResetAttempts *bool    `json:"reset_attempts"`
}

func (r BulkRequeueRequest) ShouldResetAttempts() bool {
	return resetOrDefault(r.ResetAttempts)
}

func resetOrDefault(v *bool) bool {
	return v == nil || *v
}

type BulkRequeueResponse struct {
	Requeued  int      `json:"requeued"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids"`
}

func NewBulkRequeueResponse(r *queue.BulkRequeueResult) BulkRequeueResponse {
	return BulkRequeueResponse{
		Requeued:  r.Requeued,
		Failed:    r.Failed,
		FailedIDs: r.FailedIDs,
	}
}

type CompleteJobRequest struct {
	Result json.RawMessage `json:"result"`
}

type CompleteJobResponse struct {
	Job            JobDTO         `json:"job"`
	NextAssignment *AssignmentDTO `json:"next_assignment,omitempty"`
	ChainError     string         `json:"chain_error,omitempty"`
}

func NewCompleteJobResponse(o *queue.CompleteOutcome) CompleteJobResponse {
	resp := CompleteJobResponse{
		Job:            NewJobDTO(o.Job),
		NextAssignment: NewAssignmentDTO(o.NextAssignment),
	}
	if o.ChainError != nil {
		resp.ChainError = o.ChainError.Error()
	}
	return resp
}

type FailJobRequest struct {
	Error        string          `json:"error" binding:"required"`
	ErrorDetails json.RawMessage `json:"error_details"`
}

type FailJobResponse struct {
	Job     JobDTO    `json:"job"`
	Kind    string    `json:"kind"`
	RetryAt *string   `json:"retry_at,omitempty"`
	Alert   *AlertDTO `json:"alert,omitempty"`
}

func NewFailJobResponse(o *queue.FailOutcome) FailJobResponse {
	resp := FailJobResponse{
		Job:     NewJobDTO(o.Job),
		Kind:    string(o.Kind),
		RetryAt: formatTimePtr(o.RetryAt),
	}
	if o.Alert != nil {
		alert := NewAlertDTO(o.Alert)
		resp.Alert = &alert
	}
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
