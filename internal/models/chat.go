package models

import (
	"errors"
	"slices"
	"time"
)

// ErrSessionNotFound is returned by stores when no session exists for the requested ID.
var ErrSessionNotFound = errors.New("session not found")

// Session is the per-browser conversation state. Turns is the append-only transcript, Partial
// holds the tokens of the newest stream that has not been finalized into Turns yet, and
// PartialID is the turn ID that stream will be finalized under.
//
// Model is chosen once when the session is created and never changes afterwards.
type Session struct {
	ID        string
	Model     string
	Turns     []Turn
	Partial   string
	PartialID string
	CreatedAt time.Time
}

// History returns a copy of the transcript that is safe to hand to a model backend while the
// session keeps growing.
func (s Session) History() []Turn {
	return slices.Clone(s.Turns)
}
