// Package speech sequences utterances through a single synthesis engine and
// reports their lifecycle on a single-subscriber event bus.
package speech

import (
	"time"

	"github.com/google/uuid"
)

type Role int

const (
	// RoleSystem marks scripted lines (greeting, fallbacks, acknowledgements).
	RoleSystem Role = iota
	// RoleAssistant marks replies produced by the dialogue model.
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Utterance is immutable once created.
type Utterance struct {
	ID   string
	Text string
	Role Role
}

func NewUtterance(text string, role Role) Utterance {
	return Utterance{ID: uuid.NewString(), Text: text, Role: role}
}

type EventKind int

const (
	Started EventKind = iota + 1
	Finished
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event reports a lifecycle step of one utterance. Cancelled and Err are only
// meaningful on Finished.
type Event struct {
	Kind        EventKind
	UtteranceID string
	Cancelled   bool
	Err         error
	At          time.Time
}
