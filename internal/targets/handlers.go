package targets

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/idgen"
)

// Handler exposes target management.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new targets handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up target routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/targets", h.Create)
	r.GET("/users/:userId/targets", h.List)
	r.GET("/targets/:id", h.Get)
	r.PATCH("/targets/:id", h.Update)
}

type createRequest struct {
	Type     Type   `json:"type" binding:"required"`
	Value    string `json:"value" binding:"required"`
	Enabled  *bool  `json:"enabled"`
	Priority int    `json:"priority"`
}

// Create handles POST /v1/users/:userId/targets
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "type and value are required"})
		return
	}
	t := &Target{
		ID:            idgen.WithPrefix("tgt_"),
		UserID:        c.Param("userId"),
		Type:          req.Type,
		Value:         req.Value,
		Enabled:       req.Enabled == nil || *req.Enabled,
		Priority:      req.Priority,
		QualityStatus: QualityHealthy,
		CreatedAt:     h.now(),
	}
	if err := t.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target", "message": err.Error()})
		return
	}
	if err := h.store.Create(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create target"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"target": t})
}

// List handles GET /v1/users/:userId/targets
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if list == nil {
		list = []*Target{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": list, "count": len(list)})
}

// Get handles GET /v1/targets/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "target not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": t})
}

type updateRequest struct {
	Enabled       *bool    `json:"enabled"`
	Priority      *int     `json:"priority"`
	QualityStatus *Quality `json:"qualityStatus"`
}

// Update handles PATCH /v1/targets/:id. Only the named fields change.
func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.QualityStatus != nil && (*req.QualityStatus == "" || !req.QualityStatus.Valid()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": ErrInvalidState.Error()})
		return
	}
	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > MaxPriority) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": ErrInvalidPriority.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	if req.Enabled != nil {
		err = h.store.SetEnabled(ctx, id, *req.Enabled)
	}
	if err == nil && req.Priority != nil {
		err = h.store.SetPriority(ctx, id, *req.Priority)
	}
	if err == nil && req.QualityStatus != nil {
		err = h.store.SetQuality(ctx, id, *req.QualityStatus)
	}
	if err == nil {
		var t *Target
		t, err = h.store.Get(ctx, id)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"target": t})
			return
		}
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "target not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
