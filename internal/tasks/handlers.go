package tasks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionFeedback applies executor outcomes to the session that ran a task.
type SessionFeedback interface {
	// MarkExpired handles a hard auth failure.
	MarkExpired(ctx context.Context, sessionID, reason string) (bool, error)
	// RecordAbort stamps the session's last abort time.
	RecordAbort(ctx context.Context, sessionID string, at time.Time) error
}

// Handler receives task results from the executor.
type Handler struct {
	store    Store
	feedback SessionFeedback
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new tasks handler. feedback may be nil.
func NewHandler(store Store, feedback SessionFeedback, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, feedback: feedback, logger: logger, now: time.Now}
}

// RegisterRoutes sets up task routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tasks/:id", h.Get)
	r.POST("/tasks/:id/result", h.ReportResult)
}

// Get handles GET /v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": rec})
}

type resultRequest struct {
	Status       Status `json:"status" binding:"required"`
	ItemsFetched int    `json:"itemsFetched"`
	AuthFailed   bool   `json:"authFailed"`
	Reason       string `json:"reason"`
}

// ReportResult handles POST /v1/tasks/:id/result. It finishes the record,
// expires the session on an auth failure and stamps aborts.
func (h *Handler) ReportResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	if req.ItemsFetched < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "itemsFetched must not be negative"})
		return
	}

	ctx := c.Request.Context()
	now := h.now()
	rec, err := h.store.Finish(ctx, c.Param("id"), req.Status, req.ItemsFetched, now)
	switch {
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
		return
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "task not found"})
		return
	case errors.Is(err, ErrAlreadyFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "already_finished", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	expired := false
	if h.feedback != nil && rec.SessionID != "" {
		if req.AuthFailed {
			expired, err = h.feedback.MarkExpired(ctx, rec.SessionID, req.Reason)
			if err != nil {
				h.logger.Warn("expire session failed", "task_id", rec.ID, "session_id", rec.SessionID, "error", err)
			}
		}
		if rec.Status == StatusAborted {
			if err := h.feedback.RecordAbort(ctx, rec.SessionID, now); err != nil {
				h.logger.Warn("record abort failed", "task_id", rec.ID, "session_id", rec.SessionID, "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"task": rec, "sessionExpired": expired})
}
