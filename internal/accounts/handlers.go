package accounts

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/crawlpilot/internal/cookiecrypt"
	"github.com/mbd888/crawlpilot/internal/idgen"
	"github.com/mbd888/crawlpilot/internal/logging"
	"github.com/mbd888/crawlpilot/internal/syncutil"
)

// Sealer encrypts a cookie list for storage. *cookiecrypt.Box satisfies it.
type Sealer interface {
	Seal(cookies []cookiecrypt.Cookie) ([]byte, error)
}

// ReasonSuperseded is written on sessions replaced by a cookie sync.
const ReasonSuperseded = "SUPERSEDED"

// Handler exposes account linking and cookie sync.
type Handler struct {
	store  Store
	sealer Sealer
	now    func() time.Time

	// syncs serializes cookie syncs per account so at most one session
	// ends up active.
	syncs syncutil.ShardedMutex
}

// NewHandler creates a new accounts handler. With a nil sealer the cookie
// sync endpoint answers 503.
func NewHandler(store Store, sealer Sealer) *Handler {
	return &Handler{store: store, sealer: sealer, now: time.Now}
}

// RegisterRoutes sets up account routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/accounts", h.Link)
	r.GET("/users/:userId/accounts", h.ListAccounts)
	r.GET("/users/:userId/sessions", h.ListSessions)
	r.GET("/users/:userId/integration", h.GetIntegration)
	r.PATCH("/accounts/:id", h.UpdateAccount)
	r.POST("/accounts/:id/sessions", h.SyncCookies)
}

type linkRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Priority int    `json:"priority"`
}

// Link handles POST /v1/users/:userId/accounts
func (h *Handler) Link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "handle is required"})
		return
	}
	handle := strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")
	if handle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "handle is required"})
		return
	}
	now := h.now()
	a := &Account{
		ID:        idgen.WithPrefix("acct_"),
		UserID:    c.Param("userId"),
		Handle:    handle,
		Enabled:   true,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAccount(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to link account"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// ListAccounts handles GET /v1/users/:userId/accounts?enabled=true
func (h *Handler) ListAccounts(c *gin.Context) {
	list, err := h.store.ListAccounts(c.Request.Context(), c.Param("userId"), c.Query("enabled") == "true")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if list == nil {
		list = []*Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list, "count": len(list)})
}

// ListSessions handles GET /v1/users/:userId/sessions. Cookies are never
// serialised.
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.store.ListSessionsByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if list == nil {
		list = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

// GetIntegration handles GET /v1/users/:userId/integration
func (h *Handler) GetIntegration(c *gin.Context) {
	in, err := h.store.GetIntegration(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration": in})
}

type updateAccountRequest struct {
	Enabled  *bool `json:"enabled"`
	Priority *int  `json:"priority"`
}

// UpdateAccount handles PATCH /v1/accounts/:id. Enabling or disabling an
// account refreshes the owner's integration.
func (h *Handler) UpdateAccount(c *gin.Context) {
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	patch := AccountPatch{Enabled: req.Enabled, Priority: req.Priority}
	if !patch.Empty() {
		if err := h.store.PatchAccount(ctx, id, patch); err != nil {
			h.fail(c, err)
			return
		}
	}
	a, err := h.store.GetAccount(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Enabled != nil {
		if _, err := RefreshIntegration(ctx, h.store, a.UserID, h.now()); err != nil {
			logging.L(ctx).Warn("integration refresh failed", "user_id", a.UserID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

type syncRequest struct {
	Cookies      []cookiecrypt.Cookie `json:"cookies" binding:"required"`
	RiskScore    int                  `json:"riskScore"`
	AvgLatencyMs int                  `json:"avgLatencyMs"`
}

// SyncCookies handles POST /v1/accounts/:id/sessions. It stores a fresh ok
// session with the sealed cookies and deactivates the account's previous
// active sessions.
func (h *Handler) SyncCookies(c *gin.Context) {
	if h.sealer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "cookie encryption is not configured"})
		return
	}
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Cookies) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "at least one cookie is required"})
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "riskScore must be 0-100"})
		return
	}

	ctx := c.Request.Context()
	unlock := h.syncs.Lock(c.Param("id"))
	defer unlock()

	a, err := h.store.GetAccount(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	blob, err := h.sealer.Seal(req.Cookies)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to seal cookies"})
		return
	}

	previous, err := h.store.ListSessionsByAccount(ctx, a.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	s := &Session{
		ID:               idgen.WithPrefix("sess_"),
		AccountID:        a.ID,
		UserID:           a.UserID,
		Status:           StatusOK,
		IsActive:         true,
		RiskScore:        req.RiskScore,
		LastSyncAt:       now,
		AvgLatencyMs:     req.AvgLatencyMs,
		EncryptedCookies: blob,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.store.CreateSession(ctx, s); err != nil {
		h.fail(c, err)
		return
	}

	for _, old := range previous {
		if !old.IsActive {
			continue
		}
		if _, err := h.store.PatchSession(ctx, old.ID, SessionPatch{
			IsActive:     Ptr(false),
			StatusReason: Ptr(ReasonSuperseded),
		}); err != nil {
			logging.L(ctx).Warn("deactivate superseded session failed", "session_id", old.ID, "error", err)
		}
	}

	in, err := RefreshIntegration(ctx, h.store, a.UserID, now)
	if err != nil {
		logging.L(ctx).Warn("integration refresh failed", "user_id", a.UserID, "error", err)
	}
	c.JSON(http.StatusCreated, gin.H{"session": s, "integration": in})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
	case errors.Is(err, ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
