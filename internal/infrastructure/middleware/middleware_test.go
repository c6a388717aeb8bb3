package middleware

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/services"
	"peercast/pkg/circuitbreaker"
	"peercast/pkg/errors"
	"peercast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("test-secret", time.Hour)
	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/private", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(OperatorKey))
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			} else {
				assert.Equal(t, string(errors.ErrCodeUnauthorized), decodeBody(t, w)["error"])
			}
		})
	}
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   errors.ErrorCode
		status int
	}{
		{"invalid state", fmt.Errorf("start: %w", domain.ErrInvalidState), errors.ErrCodeInvalidState, http.StatusConflict},
		{"screen share active", domain.ErrScreenShareActive, errors.ErrCodeConflict, http.StatusConflict},
		{"screen share inactive", domain.ErrScreenShareInactive, errors.ErrCodeConflict, http.StatusConflict},
		{"capture unavailable", domain.ErrCaptureUnavailable, errors.ErrCodeCaptureUnavailable, http.StatusServiceUnavailable},
		{"id exhausted", domain.ErrStreamIDExhausted, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"breaker open", fmt.Errorf("reserve: %w", circuitbreaker.ErrOpen), errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"app error passes through", errors.NewInvalidInputError("bad"), errors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"unknown", stderrors.New("boom"), errors.ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
		})
	}
}

func TestErrorHandlerMiddleware_RendersDomainError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.POST("/screen", func(c *gin.Context) {
		c.Error(domain.ErrScreenShareActive)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/screen", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, string(errors.ErrCodeConflict), body["error"])
	assert.NotNil(t, body["details"])
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.New(core).Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, logger.RequestID(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", w.Body.String())

	assert.Equal(t, 2, logs.Len())
}
