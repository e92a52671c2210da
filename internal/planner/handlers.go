package planner

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes planner stats and manual ticks.
type Handler struct {
	planner *Planner
}

// NewHandler creates a new planner handler.
func NewHandler(p *Planner) *Handler {
	return &Handler{planner: p}
}

// RegisterRoutes sets up planner routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/planner/stats", h.GetStats)
	r.POST("/planner/run", h.Run)
}

// GetStats handles GET /v1/planner/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.planner.Stats()})
}

// Run handles POST /v1/planner/run. It shares the tick guard with the timer
// loop, so a concurrent tick yields 409.
func (h *Handler) Run(c *gin.Context) {
	ts, err := h.planner.RunOnce(c.Request.Context())
	if errors.Is(err, ErrTickInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "tick_in_progress", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error(), "tick": ts})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tick": ts})
}
