package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced by prefix
// ("mil_3f2a..."). Identifiers are never reused.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NewCorrelationID returns the id stamped on every record written for one mutation.
func NewCorrelationID() string {
	return uuid.NewString()
}
