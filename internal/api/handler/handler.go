package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/api/auth"
	"github.com/cuongbtq/channelops/internal/api/dto"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/queue"
	"github.com/cuongbtq/channelops/internal/stream"
)

// AdminIDKey is the gin context key holding the authenticated admin id
const AdminIDKey = "admin_id"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Queue      *queue.Service
	Dispatcher *dispatch.Dispatcher
	Agents     *agent.Registry
	Alerts     *alert.Manager
	Streams    *stream.Manager
	Auth       *auth.Authenticator
	// Checks are run by the health endpoint, keyed by component name
	Checks map[string]func(context.Context) error
}

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, logger *slog.Logger, err error, msg string) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case domain.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case domain.IsValidation(err):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNotJobOwner):
		status, code = http.StatusConflict, "not_job_owner"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrJobNotReady):
		status, code = http.StatusConflict, "not_ready"
	case errors.Is(err, domain.ErrCapacityExhausted):
		status, code = http.StatusServiceUnavailable, "capacity_exhausted"
	}

	if status == http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(status, dto.ErrorResponse{Error: code, Message: msg})
		return
	}

	logger.Warn(msg, slog.String("error", err.Error()), slog.Int("status", status))
	c.JSON(status, dto.ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad_request", Message: msg + ": " + err.Error()})
}

// uuidParam reads a path parameter and rejects values that are not UUIDs
func uuidParam(c *gin.Context, logger *slog.Logger, name string) (string, bool) {
	value := c.Param(name)
	if _, err := uuid.Parse(value); err != nil {
		logger.Warn("Invalid path parameter", slog.String(name, value))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "bad_request",
			Message: name + " must be a valid UUID",
		})
		return "", false
	}
	return value, true
}
