package llm

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one exchange entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes a language model prompt.
type Request struct {
	System      string
	History     []Message
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// DialogueModel answers one user transcript, keeping whatever conversational
// state it needs between calls.
type DialogueModel interface {
	Ask(ctx context.Context, transcript string) (string, error)
}

var (
	// ErrRemote matches every *RemoteError.
	ErrRemote     = errors.New("dialogue model failure")
	ErrEmptyReply = errors.New("dialogue model returned an empty reply")
)

// RemoteError wraps failures of the dialogue backend.
type RemoteError struct {
	Backend string
	Err     error
}

func (e *RemoteError) Error() string {
	return e.Backend + ": " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// TemplateFromConfig builds the per-request defaults.
func TemplateFromConfig(cfg config.LLMConfig, system string) Request {
	return Request{
		System:      system,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
	}
}
