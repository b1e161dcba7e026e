package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/api/dto"
	"github.com/cuongbtq/channelops/internal/queue"
)

// AgentHandler serves agent registration, heartbeats and result reports
type AgentHandler struct {
	logger *slog.Logger
	agents *agent.Registry
	queue  *queue.Service
}

func NewAgentHandler(deps *Dependencies) *AgentHandler {
	return &AgentHandler{
		logger: deps.Logger,
		agents: deps.Agents,
		queue:  deps.Queue,
	}
}

// Register handles POST /api/v1/agents/register
func (h *AgentHandler) Register(c *gin.Context) {
	var req dto.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	a, err := h.agents.Register(c.Request.Context(), req.ToRegister(c.ClientIP()))
	if err != nil {
		respondError(c, h.logger, err, "Failed to register agent")
		return
	}

	c.JSON(http.StatusOK, dto.NewAgentDTO(a))
}

// Heartbeat handles POST /api/v1/agents/:agent_id/heartbeat
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agentID, ok := uuidParam(c, h.logger, "agent_id")
	if !ok {
		return
	}

	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	a, err := h.agents.Heartbeat(c.Request.Context(), agentID, req.CurrentLoad, req.Metadata)
	if err != nil {
		respondError(c, h.logger, err, "Failed to record heartbeat")
		return
	}

	c.JSON(http.StatusOK, dto.NewAgentDTO(a))
}

// ListAgents handles GET /api/v1/agents
func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to list agents")
		return
	}

	c.JSON(http.StatusOK, dto.NewListAgentsResponse(agents))
}

// CompleteJob handles POST /api/v1/agents/:agent_id/jobs/:job_id/complete
func (h *AgentHandler) CompleteJob(c *gin.Context) {
	agentID, ok := uuidParam(c, h.logger, "agent_id")
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	var req dto.CompleteJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.logger, "Invalid request body", err)
			return
		}
	}

	outcome, err := h.queue.Complete(c.Request.Context(), jobID, queue.CompleteRequest{
		AgentID: agentID,
		Result:  req.Result,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to complete job")
		return
	}

	c.JSON(http.StatusOK, dto.NewCompleteJobResponse(outcome))
}

// FailJob handles POST /api/v1/agents/:agent_id/jobs/:job_id/fail
func (h *AgentHandler) FailJob(c *gin.Context) {
	agentID, ok := uuidParam(c, h.logger, "agent_id")
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, h.logger, "job_id")
	if !ok {
		return
	}

	var req dto.FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	outcome, err := h.queue.Fail(c.Request.Context(), jobID, queue.FailRequest{
		AgentID: agentID,
		Error:   req.Error,
		Details: req.ErrorDetails,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to record job failure")
		return
	}

	c.JSON(http.StatusOK, dto.NewFailJobResponse(outcome))
}
