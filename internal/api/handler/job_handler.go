package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/api/dto"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/queue"
	"github.com/cuongbtq/channelops/internal/storage"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	queue      *queue.Service
	dispatcher *dispatch.Dispatcher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
	}
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), req.ToSpec())
	if err != nil {
		respondError(c, h.logger, err, "Failed to create job")
		return
	}

	resp := dto.CreateJobResponse{Job: dto.NewJobDTO(job)}
	if req.Dispatch {
		assignment, err := h.dispatcher.Dispatch(c.Request.Context(), job.ID)
		switch {
		case err == nil:
			resp.Assignment = dto.NewAssignmentDTO(assignment)
			if refreshed, getErr := h.queue.Get(c.Request.Context(), job.ID); getErr == nil {
				resp.Job = dto.NewJobDTO(refreshed)
			}
		case errors.Is(err, domain.ErrCapacityExhausted):
			// stays QUEUED for the dispatch sweep
			resp.DispatchError = err.Error()
		default:
			respondError(c, h.logger, err, "Failed to dispatch job")
			return
		}
	}

	c.JSON(http.StatusCreated, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	job, err := h.queue.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.list(c, false)
}

// ListDLQ handles GET /api/v1/dlq
func (h *JobHandler) ListDLQ(c *gin.Context) {
	h.list(c, true)
}

func (h *JobHandler) list(c *gin.Context, dlqOnly bool) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad_request", Message: "unknown status " + req.Status})
		return
	}

	cursor, err := storage.DecodeJobCursor(req.Cursor)
	if err != nil {
		badRequest(c, h.logger, "Invalid cursor", err)
		return
	}

	filter := storage.JobFilter{
		Status:      status,
		JobType:     req.JobType,
		UserID:      req.UserID,
		AccountID:   req.AccountID,
		WorkflowID:  req.WorkflowID,
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	var page *storage.JobPage
	if dlqOnly {
		page, err = h.queue.ListDLQ(c.Request.Context(), filter)
	} else {
		page, err = h.queue.List(c.Request.Context(), filter)
	}
	if err != nil {
		respondError(c, h.logger, err, "Failed to list jobs")
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       dto.NewJobDTOs(page.Jobs),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// DispatchJob handles POST /api/v1/jobs/:job_id/dispatch
func (h *JobHandler) DispatchJob(c *gin.Context) {
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	assignment, err := h.dispatcher.Dispatch(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to dispatch job")
		return
	}

	c.JSON(http.StatusOK, dto.NewAssignmentDTO(assignment))
}

// StartJob handles POST /api/v1/jobs/:job_id/start for executors that pull
// work without an agent assignment
func (h *JobHandler) StartJob(c *gin.Context) {
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	job, err := h.queue.Start(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to start job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
func (h *JobHandler) RequeueJob(c *gin.Context) {
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	var req dto.RequeueJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.logger, "Invalid request body", err)
			return
		}
	}

	job, err := h.queue.Requeue(c.Request.Context(), jobID, req.ShouldResetAttempts())
	if err != nil {
		respondError(c, h.logger, err, "Failed to requeue job")
		return
	}

	h.logger.Info("Job requeued by operator",
		slog.String("job_id", jobID),
		slog.String("admin_id", c.GetString(AdminIDKey)),
	)
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// BulkRequeue handles POST /api/v1/jobs/requeue
func (h *JobHandler) BulkRequeue(c *gin.Context) {
	var req dto.BulkRequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	result := h.queue.BulkRequeue(c.Request.Context(), req.JobIDs, req.ShouldResetAttempts())

	h.logger.Info("Bulk requeue by operator",
		slog.String("admin_id", c.GetString(AdminIDKey)),
		slog.Int("requeued", result.Requeued),
		slog.Int("failed", result.Failed),
	)
	c.JSON(http.StatusOK, dto.NewBulkRequeueResponse(result))
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *gin.Context) {
	dashboard, err := h.queue.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute queue stats")
		return
	}

	c.JSON(http.StatusOK, dto.NewQueueStatsResponse(dashboard))
}
