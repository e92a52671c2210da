package policy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for policies, dry-run evaluation and the
// violation log.
type Handler struct {
	store     Store
	evaluator *Evaluator
}

// NewHandler creates a new policy handler.
func NewHandler(store Store, evaluator *Evaluator) *Handler {
	return &Handler{store: store, evaluator: evaluator}
}

// RegisterRoutes sets up policy routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies/global", h.GetGlobal)
	r.PUT("/policies/global", h.PutGlobal)
	r.GET("/users/:userId/policy", h.GetUser)
	r.PUT("/users/:userId/policy", h.PutUser)
	r.GET("/users/:userId/evaluation", h.Evaluate)
	r.GET("/users/:userId/violations", h.ListViolations)
}

type policyRequest struct {
	Enabled         *bool   `json:"enabled"`
	Limits          Limits  `json:"limits"`
	OnLimitExceeded *Action `json:"onLimitExceeded"`
	CooldownMinutes *int    `json:"cooldownMinutes"`
}

// GetGlobal handles GET /v1/policies/global. With nothing stored it
// returns the built-in defaults.
func (h *Handler) GetGlobal(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), ScopeGlobal, "")
	if errors.Is(err, ErrPolicyNotFound) {
		c.JSON(http.StatusOK, gin.H{"policy": nil, "defaults": h.evaluator.defaults})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p, "defaults": h.evaluator.defaults})
}

// PutGlobal handles PUT /v1/policies/global
func (h *Handler) PutGlobal(c *gin.Context) {
	p, ok := h.bind(c, ScopeGlobal, "")
	if !ok {
		return
	}
	h.evaluator.InvalidateAll()
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// GetUser handles GET /v1/users/:userId/policy and includes the resolved
// effective policy.
func (h *Handler) GetUser(c *gin.Context) {
	userID := c.Param("userId")
	ctx := c.Request.Context()

	p, err := h.store.Get(ctx, ScopeUser, userID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	eff, err := h.evaluator.ResolveEffective(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p, "effective": eff})
}

// PutUser handles PUT /v1/users/:userId/policy
func (h *Handler) PutUser(c *gin.Context) {
	userID := c.Param("userId")
	p, ok := h.bind(c, ScopeUser, userID)
	if !ok {
		return
	}
	h.evaluator.InvalidateCache(userID)
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

func (h *Handler) bind(c *gin.Context, scope Scope, userID string) (*Policy, bool) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return nil, false
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now()
	p := &Policy{
		Scope:           scope,
		UserID:          userID,
		Enabled:         enabled,
		Limits:          req.Limits,
		OnLimitExceeded: req.OnLimitExceeded,
		CooldownMinutes: req.CooldownMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return nil, false
	}
	if err := h.store.Put(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save policy"})
		return nil, false
	}
	return p, true
}

// Evaluate handles GET /v1/users/:userId/evaluation. It is a dry run: the
// action is reported, never applied.
func (h *Handler) Evaluate(c *gin.Context) {
	ev, err := h.evaluator.Evaluate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

// ListViolations handles GET /v1/users/:userId/violations?limit=
func (h *Handler) ListViolations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.store.ListViolations(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if records == nil {
		records = []*ViolationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": records, "count": len(records)})
}
