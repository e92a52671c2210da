// Package tasks keeps the history of planned scraping tasks. The quota
// aggregator reads it to compute rolling usage windows.
package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("tasks: not found")
	ErrDuplicate       = errors.New("tasks: duplicate id")
	ErrAlreadyFinished = errors.New("tasks: already finished")
	ErrInvalidStatus   = errors.New("tasks: invalid final status")
)

// Status of a task record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Delivered reports whether items fetched under s count towards post quotas.
func (s Status) Delivered() bool {
	return s == StatusCompleted || s == StatusPartial
}

// Troubled reports whether s counts towards the abort rate.
func (s Status) Troubled() bool {
	return s == StatusFailed || s == StatusAborted || s == StatusPartial
}

// Record is one planned task.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	AccountID    string    `json:"accountId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	TargetID     string    `json:"targetId,omitempty"`
	VariantID    string    `json:"variantId,omitempty"`
	Status       Status    `json:"status"`
	ItemsFetched int       `json:"itemsFetched"`
	CreatedAt    time.Time `json:"createdAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// Store persists task records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Finish moves a queued or running record to a terminal status.
	Finish(ctx context.Context, id string, status Status, items int, at time.Time) (*Record, error)
	// ListSince returns the user's records created at or after since.
	ListSince(ctx context.Context, userID string, since time.Time) ([]*Record, error)
}
