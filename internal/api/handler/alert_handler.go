package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/api/dto"
	"github.com/cuongbtq/channelops/internal/storage"
)

// AlertHandler serves DLQ alerts
type AlertHandler struct {
	logger *slog.Logger
	alerts *alert.Manager
}

func NewAlertHandler(deps *Dependencies) *AlertHandler {
	return &AlertHandler{
		logger: deps.Logger,
		alerts: deps.Alerts,
	}
}

// ListAlerts handles GET /api/v1/dlq/alerts
func (h *AlertHandler) ListAlerts(c *gin.Context) {
	var req dto.ListAlertsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	alerts, err := h.alerts.List(c.Request.Context(), storage.AlertFilter{
		Acknowledged: req.Acknowledged,
		JobType:      req.JobType,
		Limit:        req.Limit,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to list alerts")
		return
	}

	c.JSON(http.StatusOK, dto.NewListAlertsResponse(alerts))
}

// GetAlert handles GET /api/v1/dlq/alerts/:alert_id
func (h *AlertHandler) GetAlert(c *gin.Context) {
	alertID, ok := uuidParam(c, h.logger, "alert_id")
	if !ok {
		return
	}

	a, err := h.alerts.Get(c.Request.Context(), alertID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get alert")
		return
	}

	c.JSON(http.StatusOK, dto.NewAlertDTO(a))
}

// AcknowledgeAlert handles POST /api/v1/dlq/alerts/:alert_id/acknowledge
func (h *AlertHandler) AcknowledgeAlert(c *gin.Context) {
	alertID, ok := uuidParam(c, h.logger, "alert_id")
	if !ok {
		return
	}

	a, err := h.alerts.Acknowledge(c.Request.Context(), alertID, c.GetString(AdminIDKey))
	if err != nil {
		respondError(c, h.logger, err, "Failed to acknowledge alert")
		return
	}

	c.JSON(http.StatusOK, dto.NewAlertDTO(a))
}
