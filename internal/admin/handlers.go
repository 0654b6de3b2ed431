// Package admin provides operator endpoints for forcing maintenance work
// the background loops normally do.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stepup/internal/logging"
)

// ChallengeSweeper expires overdue pending challenges.
type ChallengeSweeper interface {
	SweepOnce(ctx context.Context) (int, error)
	Running() bool
}

// RealtimeStats reports websocket fan-out counters.
type RealtimeStats interface {
	Stats() map[string]interface{}
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper  ChallengeSweeper
	realtime RealtimeStats
	now      func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSweeper sets the sweeper for forced expiry runs.
func (h *Handler) WithSweeper(s ChallengeSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithRealtime sets the hub whose counters are reported.
func (h *Handler) WithRealtime(r RealtimeStats) *Handler {
	h.realtime = r
	return h
}

// RegisterRoutes sets up admin routes. The group must be guarded by the
// internal secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/challenges/expire-overdue", h.expireOverdue)
	r.GET("/admin/realtime", h.realtimeStats)
}

// expireOverdue runs one sweep now instead of waiting for the interval.
func (h *Handler) expireOverdue(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper_not_configured", "message": "Expiry sweeper is not configured"})
		return
	}

	start := h.now()
	n, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("forced sweep failed", "expired", n, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Expiry sweep failed",
			"expired": n,
		})
		return
	}

	logging.L(c.Request.Context()).Info("forced sweep completed", "expired", n)
	c.JSON(http.StatusOK, gin.H{
		"expired":     n,
		"loopRunning": h.sweeper.Running(),
		"durationMs":  h.now().Sub(start).Milliseconds(),
	})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_not_configured", "message": "Realtime hub is not configured"})
		return
	}
	c.JSON(http.StatusOK, h.realtime.Stats())
}
