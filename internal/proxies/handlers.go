package proxies

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler lets operators add and retire proxy slots.
type Handler struct {
	registry Registry
}

// NewHandler creates a new proxies handler.
func NewHandler(r Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up proxy routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/proxies/:id", h.Put)
	r.DELETE("/proxies/:id", h.Delete)
}

type slotRequest struct {
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required,min=1,max=65535"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Put handles PUT /v1/proxies/:id
func (h *Handler) Put(c *gin.Context) {
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "host and port are required"})
		return
	}
	switch req.Protocol {
	case "", "http", "https", "socks5":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "protocol must be http, https or socks5"})
		return
	}
	s := &Slot{
		ID:       c.Param("id"),
		Host:     req.Host,
		Port:     req.Port,
		Protocol: req.Protocol,
		Username: req.Username,
		Password: req.Password,
	}
	if err := h.registry.Register(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register proxy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": s.ID, "identity": s.Identity()})
}

// Delete handles DELETE /v1/proxies/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.registry.Remove(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to remove proxy"})
		return
	}
	c.Status(http.StatusNoContent)
}
