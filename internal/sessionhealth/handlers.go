package sessionhealth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/accounts"
)

// Handler exposes manual health checks.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new session health handler.
func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

// RegisterRoutes sets up session health routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/check", h.CheckAll)
	r.POST("/sessions/:id/check", h.CheckOne)
	r.POST("/sessions/:id/expire", h.Expire)
}

// CheckAll handles POST /v1/sessions/check
func (h *Handler) CheckAll(c *gin.Context) {
	report, err := h.monitor.CheckAllSessions(c.Request.Context())
	if errors.Is(err, ErrCheckInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "check_in_progress", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// CheckOne handles POST /v1/sessions/:id/check
func (h *Handler) CheckOne(c *gin.Context) {
	d, err := h.monitor.CheckSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, accounts.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

type expireRequest struct {
	Reason string `json:"reason"`
}

// Expire handles POST /v1/sessions/:id/expire. The body is optional.
func (h *Handler) Expire(c *gin.Context) {
	var req expireRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
			return
		}
	}
	applied, err := h.monitor.MarkExpired(c.Request.Context(), c.Param("id"), req.Reason)
	if errors.Is(err, accounts.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": applied})
}
