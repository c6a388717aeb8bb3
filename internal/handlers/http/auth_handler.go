package http

import (
	"net/http"

	"peercast/internal/core/services"
	"peercast/internal/infrastructure/middleware"
	"peercast/pkg/errors"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// SetupRoutes mounts token refresh on api, which must already run AuthMiddleware.
func (h *AuthHandler) SetupRoutes(api gin.IRouter) {
	api.POST("/auth/refresh", h.RefreshToken)
}

// RefreshToken issues a fresh token for the operator of the current one.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	operator := c.GetString(middleware.OperatorKey)
	if operator == "" {
		c.Error(errors.NewUnauthorizedError("operator token required"))
		return
	}

	token, err := h.authService.GenerateToken(operator)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"operator":     operator,
	})
}
