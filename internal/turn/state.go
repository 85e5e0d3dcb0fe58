// Package turn runs the spoken conversation loop: speak, listen, decide,
// speak again.
package turn

import (
	"errors"
	"fmt"
	"slices"
)

type State int32

const (
	Idle State = iota
	Speaking
	AwaitingCapture
	Listening
	Processing
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case AwaitingCapture:
		return "awaiting_capture"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition marks a controller bug: a state change that the
// conversation loop must never attempt.
var ErrInvalidTransition = errors.New("invalid turn state transition")

var transitions = map[State][]State{
	Idle:            {Speaking, Terminating},
	Speaking:        {AwaitingCapture, Terminating},
	AwaitingCapture: {Listening, Terminating},
	Listening:       {Processing, Terminating},
	Processing:      {Speaking, Terminating},
}

// CanTransition reports whether the loop may move from one state to another.
// Terminating is final.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
