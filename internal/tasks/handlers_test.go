package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/logging"
)

type feedbackCall struct {
	kind      string
	sessionID string
	reason    string
}

type fakeFeedback struct {
	calls []feedbackCall
	err   error
}

func (f *fakeFeedback) MarkExpired(_ context.Context, sessionID, reason string) (bool, error) {
	f.calls = append(f.calls, feedbackCall{"expire", sessionID, reason})
	return f.err == nil, f.err
}

func (f *fakeFeedback) RecordAbort(_ context.Context, sessionID string, _ time.Time) error {
	f.calls = append(f.calls, feedbackCall{"abort", sessionID, ""})
	return f.err
}

func resultRouter(store Store, fb SessionFeedback) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, fb, logging.Discard())
	h.now = func() time.Time { return t0.Add(time.Minute) }
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func postResult(r http.Handler, id string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+id+"/result", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.Create(context.Background(), &Record{ID: id, UserID: "u1", SessionID: "s-" + id, Status: StatusQueued, CreatedAt: t0}))
	}
	return s
}

func TestHandler_ReportCompleted(t *testing.T) {
	store := seeded(t)
	fb := &fakeFeedback{}
	r := resultRouter(store, fb)

	w := postResult(r, "t1", map[string]any{"status": "completed", "itemsFetched": 42})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, fb.calls)

	rec, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 42, rec.ItemsFetched)
	assert.Equal(t, t0.Add(time.Minute), rec.FinishedAt)

	w = postResult(r, "t1", map[string]any{"status": "failed"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ReportAuthFailure(t *testing.T) {
	fb := &fakeFeedback{}
	r := resultRouter(seeded(t), fb)

	w := postResult(r, "t2", map[string]any{"status": "failed", "authFailed": true, "reason": "LOGIN_REQUIRED"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []feedbackCall{{"expire", "s-t2", "LOGIN_REQUIRED"}}, fb.calls)

	var resp struct {
		SessionExpired bool `json:"sessionExpired"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.SessionExpired)
}

func TestHandler_ReportAbort(t *testing.T) {
	fb := &fakeFeedback{}
	r := resultRouter(seeded(t), fb)

	w := postResult(r, "t3", map[string]any{"status": "aborted"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []feedbackCall{{"abort", "s-t3", ""}}, fb.calls)
}

func TestHandler_FeedbackFailureStillFinishes(t *testing.T) {
	store := seeded(t)
	fb := &fakeFeedback{err: errors.New("db down")}
	r := resultRouter(store, fb)

	w := postResult(r, "t1", map[string]any{"status": "aborted", "authFailed": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, fb.calls, 2)

	rec, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, rec.Status)
}

func TestHandler_ReportErrors(t *testing.T) {
	r := resultRouter(seeded(t), nil)

	w := postResult(r, "t1", map[string]any{"status": "running"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postResult(r, "t1", map[string]any{"itemsFetched": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postResult(r, "t1", map[string]any{"status": "completed", "itemsFetched": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postResult(r, "nope", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
