package selector

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/accounts"
)

// Handler exposes selection previews and preferred-account changes.
type Handler struct {
	selector *Selector
}

// NewHandler creates a new selector handler.
func NewHandler(s *Selector) *Handler {
	return &Handler{selector: s}
}

// RegisterRoutes sets up selector routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/selection", h.Preview)
	r.PUT("/users/:userId/preferred-account", h.SetPreferred)
}

// Preview handles GET /v1/users/:userId/selection?mode=&accountId=&requireProxy=&hint=
//
// It runs a real selection, so a session whose cookies fail to open is
// quarantined, but only the summary is returned and no proxy use is counted.
func (h *Handler) Preview(c *gin.Context) {
	mode, err := ParseMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": err.Error()})
		return
	}
	opts := Options{Mode: mode, ForceAccountID: c.Query("accountId"), DryRun: true}
	if v := c.Query("requireProxy"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "requireProxy must be a boolean"})
			return
		}
		opts.RequireProxy = &b
	}
	if v := c.Query("hint"); v != "" {
		hint := Hint(strings.ToUpper(v))
		switch hint {
		case HintSafe, HintNormal, HintAggressive:
			opts.Hint = hint
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "hint must be SAFE, NORMAL or AGGRESSIVE"})
			return
		}
	}

	res, err := h.selector.Select(c.Request.Context(), c.Param("userId"), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"selection": res})
}

type preferredRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// SetPreferred handles PUT /v1/users/:userId/preferred-account
func (h *Handler) SetPreferred(c *gin.Context) {
	var req preferredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "accountId is required"})
		return
	}
	userID := c.Param("userId")
	err := h.selector.SetPreferredAccount(c.Request.Context(), userID, req.AccountID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found for user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "preferredAccountId": req.AccountID})
}
