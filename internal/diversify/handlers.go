package diversify

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/targets"
)

// Handler exposes variant previews.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new diversify handler.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// RegisterRoutes sets up diversify routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/variants/preview", h.Preview)
}

// Preview handles POST /v1/variants/preview. The body is a TargetContext;
// the response carries the chosen variant and every candidate.
func (h *Handler) Preview(c *gin.Context) {
	var tc TargetContext
	if err := c.ShouldBindJSON(&tc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	t := targets.Target{Type: tc.Type, Value: tc.Value, QualityStatus: tc.QualityStatus}
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	tc.Value, tc.QualityStatus = t.Value, t.QualityStatus

	c.JSON(http.StatusOK, gin.H{
		"variant":    h.engine.SelectVariant(tc),
		"candidates": h.engine.Candidates(tc),
	})
}
