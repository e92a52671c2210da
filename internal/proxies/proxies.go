// Package proxies supplies outbound proxy slots to the selector.
//
// Allocation is advisory: acquiring a slot only bumps its usage score so the
// least-used slot is handed out next. Slots are never locked or released.
package proxies

import (
	"context"
	"fmt"
)

// Slot is one outbound proxy endpoint.
type Slot struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Identity renders the slot without credentials.
func (s *Slot) Identity() string {
	if s == nil {
		return ""
	}
	proto := s.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, s.Host, s.Port)
}

// Provider hands out proxy slots. Acquire returns nil when no slot is
// available; it never returns an error so callers treat absence uniformly.
// Peek returns the slot Acquire would hand out without counting a use.
type Provider interface {
	Acquire(ctx context.Context) *Slot
	Peek(ctx context.Context) *Slot
}

// Registry manages the slots in rotation.
type Registry interface {
	Register(ctx context.Context, s *Slot) error
	Remove(ctx context.Context, id string) error
}

// Acquire is nil-safe over p.
func Acquire(ctx context.Context, p Provider) *Slot {
	if p == nil {
		return nil
	}
	return p.Acquire(ctx)
}

// Peek is nil-safe over p.
func Peek(ctx context.Context, p Provider) *Slot {
	if p == nil {
		return nil
	}
	return p.Peek(ctx)
}
