package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/pagination"
)

// Handler exposes the audit trail.
type Handler struct {
	log *Log
}

// NewHandler creates a new audit handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up audit routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List handles GET /v1/audit?userId=&type=&since=RFC3339&limit=&cursor=
// A nextCursor in the response fetches the following page.
func (h *Handler) List(c *gin.Context) {
	f := Filter{UserID: c.Query("userId"), Type: c.Query("type")}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "since must be RFC3339"})
			return
		}
		f.Since = since
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	after, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	f.After = after

	// One extra row tells whether another page exists.
	limit := f.Limit
	f.Limit++

	events, err := h.log.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	events, next := pagination.Trim(events, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	resp := gin.H{"events": events, "count": len(events)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
