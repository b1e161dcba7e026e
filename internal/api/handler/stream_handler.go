package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/api/dto"
	"github.com/cuongbtq/channelops/internal/stream"
)

// StreamHandler serves live-stream session lifecycle reports
type StreamHandler struct {
	logger  *slog.Logger
	streams *stream.Manager
}

func NewStreamHandler(deps *Dependencies) *StreamHandler {
	return &StreamHandler{
		logger:  deps.Logger,
		streams: deps.Streams,
	}
}

// StartSession handles POST /api/v1/streams
func (h *StreamHandler) StartSession(c *gin.Context) {
	var req dto.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	session, err := h.streams.StartSession(c.Request.Context(), req.EventID, req.AccountID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to start stream session")
		return
	}

	c.JSON(http.StatusCreated, dto.NewSessionDTO(session))
}

// GetSession handles GET /api/v1/streams/:session_id
func (h *StreamHandler) GetSession(c *gin.Context) {
	sessionID, ok := uuidParam(c, h.logger, "session_id")
	if !ok {
		return
	}

	session, err := h.streams.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get stream session")
		return
	}

	c.JSON(http.StatusOK, dto.NewSessionDTO(session))
}

// Disconnected handles POST /api/v1/streams/:session_id/disconnect
func (h *StreamHandler) Disconnected(c *gin.Context) {
	sessionID, ok := uuidParam(c, h.logger, "session_id")
	if !ok {
		return
	}

	var req dto.DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	decision, err := h.streams.HandleDisconnect(c.Request.Context(), sessionID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err, "Failed to handle stream disconnect")
		return
	}

	c.JSON(http.StatusOK, dto.NewDisconnectResponse(decision))
}

// Reconnected handles POST /api/v1/streams/:session_id/reconnected
func (h *StreamHandler) Reconnected(c *gin.Context) {
	sessionID, ok := uuidParam(c, h.logger, "session_id")
	if !ok {
		return
	}

	session, err := h.streams.HandleReconnected(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to handle stream reconnect")
		return
	}

	c.JSON(http.StatusOK, dto.NewSessionDTO(session))
}
