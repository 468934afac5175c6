package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewCallID returns a fresh call identifier.
func NewCallID() string {
	return uuid.NewString()
}

// NewGroupID returns a fresh group call identifier.
func NewGroupID() string {
	return "grp-" + uuid.NewString()
}

// NewTransactionID returns a relay transaction identifier. The relay only
// needs uniqueness per session, so the dashes are dropped to keep frames short.
func NewTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID returns an identifier for an inbound control request.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}
