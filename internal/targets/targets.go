// Package targets stores what each user wants scraped (keywords, hashtags
// and accounts) together with the run history that drives query rotation.
package targets

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("targets: not found")
	ErrDuplicate    = errors.New("targets: duplicate id")
	ErrInvalidType     = errors.New("targets: type must be keyword, hashtag or account")
	ErrEmptyValue      = errors.New("targets: value is required")
	ErrInvalidState    = errors.New("targets: unknown quality status")
	ErrInvalidPriority = errors.New("targets: priority must be 0-100")
)

// MaxPriority bounds Target.Priority.
const MaxPriority = 100

// Type of a target.
type Type string

const (
	TypeKeyword Type = "keyword"
	TypeHashtag Type = "hashtag"
	TypeAccount Type = "account"
)

// Quality reflects how well recent runs of a target went.
type Quality string

const (
	QualityHealthy  Quality = "HEALTHY"
	QualityDegraded Quality = "DEGRADED"
	QualityUnstable Quality = "UNSTABLE"
)

// Valid reports whether q is known. Empty counts as healthy.
func (q Quality) Valid() bool {
	switch q {
	case "", QualityHealthy, QualityDegraded, QualityUnstable:
		return true
	}
	return false
}

// Target is one scrape subject.
type Target struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          Type      `json:"type"`
	Value         string    `json:"value"`
	Enabled       bool      `json:"enabled"`
	Priority      int       `json:"priority"`
	RunCount      int       `json:"runCount"`
	QualityStatus Quality   `json:"qualityStatus"`
	LastVariantID string    `json:"lastVariantId,omitempty"`
	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Validate checks the user-supplied fields and normalises them.
func (t *Target) Validate() error {
	t.Value = strings.TrimSpace(t.Value)
	switch t.Type {
	case TypeKeyword:
	case TypeHashtag:
		t.Value = strings.TrimSpace(strings.TrimPrefix(t.Value, "#"))
	case TypeAccount:
		t.Value = strings.TrimPrefix(t.Value, "@")
	default:
		return ErrInvalidType
	}
	if t.Value == "" {
		return ErrEmptyValue
	}
	if t.Priority < 0 || t.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if !t.QualityStatus.Valid() {
		return ErrInvalidState
	}
	if t.QualityStatus == "" {
		t.QualityStatus = QualityHealthy
	}
	return nil
}

// Store persists targets.
type Store interface {
	Create(ctx context.Context, t *Target) error
	Get(ctx context.Context, id string) (*Target, error)
	ListByUser(ctx context.Context, userID string) ([]*Target, error)
	// NextForUser returns the enabled target that ran least recently, or
	// nil when the user has none.
	NextForUser(ctx context.Context, userID string) (*Target, error)
	// RecordRun bumps run_count and stamps the variant and time.
	RecordRun(ctx context.Context, id, variantID string, at time.Time) error
	SetQuality(ctx context.Context, id string, q Quality) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetPriority(ctx context.Context, id string, priority int) error
}

// runsBefore orders targets for NextForUser: never-run first, then oldest
// run, then higher priority, then creation time and id.
func runsBefore(a, b *Target) bool {
	if !a.LastRunAt.Equal(b.LastRunAt) {
		return a.LastRunAt.Before(b.LastRunAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
