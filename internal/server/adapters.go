package server

import (
	"context"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/sessionhealth"
	"github.com/mbd888/crawlpilot/internal/tasks"
)

// sessionFeedback applies executor results to sessions.
type sessionFeedback struct {
	monitor  *sessionhealth.Monitor
	accounts accounts.Store
}

func (f *sessionFeedback) MarkExpired(ctx context.Context, sessionID, reason string) (bool, error) {
	return f.monitor.MarkExpired(ctx, sessionID, reason)
}

func (f *sessionFeedback) RecordAbort(ctx context.Context, sessionID string, at time.Time) error {
	_, err := f.accounts.PatchSession(ctx, sessionID, accounts.SessionPatch{LastAbortAt: &at})
	return err
}

var _ tasks.SessionFeedback = (*sessionFeedback)(nil)
