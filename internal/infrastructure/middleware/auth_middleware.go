package middleware

import (
	"net/http"
	"strings"

	"peercast/internal/core/services"
	"peercast/pkg/errors"
	"peercast/pkg/logger"

	"github.com/gin-gonic/gin"
)

const OperatorKey = "operator"

// AuthMiddleware requires a valid operator bearer token.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(OperatorKey, claims.Operator)
		c.Request = c.Request.WithContext(logger.WithOperator(c.Request.Context(), claims.Operator))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := errors.NewUnauthorizedError(message)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
