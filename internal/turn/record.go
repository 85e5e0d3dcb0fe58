package turn

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeGreeting           Outcome = "greeting"
	OutcomeAnswered           Outcome = "answered"
	OutcomeAcknowledged       Outcome = "acknowledged"
	OutcomeUnintelligible     Outcome = "unintelligible"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomeModelFailed        Outcome = "model_failed"
)

// ConversationTurn is appended once the assistant's line for the turn has
// finished playing. It is never consulted for control flow.
type ConversationTurn struct {
	ID            string
	UserText      string
	AssistantText string
	Outcome       Outcome
	Interrupted   bool
	StartedAt     time.Time
	EndedAt       time.Time
}

func (t ConversationTurn) Duration() time.Duration {
	return t.EndedAt.Sub(t.StartedAt)
}

// Journal persists completed turns.
type Journal interface {
	RecordTurn(ctx context.Context, t ConversationTurn) error
}

// Journals fans a turn out to several journals and returns the first error.
type Journals []Journal

func (js Journals) RecordTurn(ctx context.Context, t ConversationTurn) error {
	var first error
	for _, j := range js {
		if err := j.RecordTurn(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
