package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/api/auth"
	"github.com/cuongbtq/channelops/internal/api/dto"
)

// AuthHandler issues operator tokens
type AuthHandler struct {
	logger *slog.Logger
	auth   *auth.Authenticator
}

func NewAuthHandler(deps *Dependencies) *AuthHandler {
	return &AuthHandler{
		logger: deps.Logger,
		auth:   deps.Auth,
	}
}

// Login handles POST /api/v1/admin/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.logger.Warn("Admin login rejected", slog.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "unauthorized", Message: err.Error()})
		return
	}
	if err != nil {
		respondError(c, h.logger, err, "Failed to issue token")
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
