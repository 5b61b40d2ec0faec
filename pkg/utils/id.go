package utils

import (
	"github.com/google/uuid"
)

// NewParticipantID returns a fresh transport identity for one connection.
func NewParticipantID() string {
	return "p_" + uuid.NewString()
}

// NewInstanceID identifies this server process on the event bus.
func NewInstanceID() string {
	return "sig_" + uuid.NewString()[:8]
}
