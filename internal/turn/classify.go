package turn

import (
	"strings"

	"github.com/loqalabs/loqa-avatar/internal/capture"
)

type Class int

const (
	Question Class = iota
	Termination
	Unheard
	Unavailable
)

func (c Class) String() string {
	switch c {
	case Question:
		return "question"
	case Termination:
		return "termination"
	case Unheard:
		return "unintelligible"
	case Unavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// IsTermination reports whether text contains any of phrases, ignoring case.
func IsTermination(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify decides how a capture result is answered.
func Classify(res capture.Result, phrases []string) Class {
	switch res.Kind {
	case capture.Unintelligible:
		return Unheard
	case capture.ServiceUnavailable:
		return Unavailable
	}
	if IsTermination(res.Text, phrases) {
		return Termination
	}
	return Question
}
