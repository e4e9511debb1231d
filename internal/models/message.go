package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a turn typed by the user, including interrupt commands.
	RoleUser Role = "user"
	// RoleAssistant represents a turn produced by the model. A truncated assistant turn holds the
	// tokens received before the stream was interrupted, followed by the truncation marker.
	RoleAssistant Role = "assistant"
)

// Turn is a single entry of a session transcript.
type Turn struct {
	ID        string
	Role      Role
	Content   string
	Truncated bool
	Timestamp time.Time
}

// NewTurn creates a turn with a fresh ID stamped with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}
