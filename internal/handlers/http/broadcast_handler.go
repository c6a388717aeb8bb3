package http

import (
	"context"
	"net/http"
	"strings"

	"peercast/internal/core/domain"
	"peercast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BroadcastController is the session surface the control API drives.
type BroadcastController interface {
	Start(ctx context.Context) (domain.SessionInfo, error)
	Stop(ctx context.Context) (domain.SessionInfo, error)
	ShareScreen(ctx context.Context) (domain.SessionInfo, error)
	RevertScreen(ctx context.Context) (domain.SessionInfo, error)
	Status() domain.SessionInfo
}

type BroadcastHandler struct {
	broadcast    BroadcastController
	health       *monitoring.HealthChecker
	gatherer     prometheus.Gatherer
	publicOrigin string
}

// NewBroadcastHandler serves the control API. A nil gatherer leaves /metrics unregistered.
func NewBroadcastHandler(
	broadcast BroadcastController,
	health *monitoring.HealthChecker,
	gatherer prometheus.Gatherer,
	publicOrigin string,
) *BroadcastHandler {
	return &BroadcastHandler{
		broadcast:    broadcast,
		health:       health,
		gatherer:     gatherer,
		publicOrigin: strings.TrimRight(publicOrigin, "/"),
	}
}

// SetupRoutes mounts the broadcast endpoints on api, which may carry auth
// middleware, and the probes on router.
func (h *BroadcastHandler) SetupRoutes(router gin.IRouter, api gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	broadcast := api.Group("/broadcast")
	{
		broadcast.POST("", h.Start)
		broadcast.DELETE("", h.Stop)
		broadcast.GET("", h.Status)
		broadcast.POST("/screen", h.ShareScreen)
		broadcast.DELETE("/screen", h.RevertScreen)
	}
}

type sessionResponse struct {
	StreamID      domain.StreamID     `json:"stream_id,omitempty"`
	URL           string              `json:"url,omitempty"`
	State         domain.SessionState `json:"state"`
	ScreenSharing bool                `json:"screen_sharing"`
	Viewers       []domain.ViewerInfo `json:"viewers"`
}

func (h *BroadcastHandler) Start(c *gin.Context) {
	info, err := h.broadcast.Start(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, h.response(info))
}

func (h *BroadcastHandler) Stop(c *gin.Context) {
	info, err := h.broadcast.Stop(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.response(info))
}

func (h *BroadcastHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.response(h.broadcast.Status()))
}

func (h *BroadcastHandler) ShareScreen(c *gin.Context) {
	info, err := h.broadcast.ShareScreen(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.response(info))
}

func (h *BroadcastHandler) RevertScreen(c *gin.Context) {
	info, err := h.broadcast.RevertScreen(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.response(info))
}

func (h *BroadcastHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  h.broadcast.Status().State,
	})
}

func (h *BroadcastHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// ShareURL is the link viewers open to watch streamID.
func (h *BroadcastHandler) ShareURL(streamID domain.StreamID) string {
	if streamID == "" {
		return ""
	}
	return h.publicOrigin + "/stream/" + string(streamID)
}

func (h *BroadcastHandler) response(info domain.SessionInfo) sessionResponse {
	viewers := info.Viewers
	if viewers == nil {
		viewers = []domain.ViewerInfo{}
	}
	return sessionResponse{
		StreamID:      info.StreamID,
		URL:           h.ShareURL(info.StreamID),
		State:         info.State,
		ScreenSharing: info.ScreenSharing,
		Viewers:       viewers,
	}
}
