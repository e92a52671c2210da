// Package idgen generates identifiers for persisted records and work orders.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars of a random UUID,
// e.g. "sess_3f9c0a...". Prefixes make ids self-describing in logs.
func WithPrefix(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:24]
}

// Ordered returns a time-ordered (v7) UUID. Work orders use it so that
// broker partitions and log lines sort by creation.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
