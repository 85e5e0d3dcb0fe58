package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-avatar/internal/llm")

const defaultMaxHistory = 40

// Conversation is a DialogueModel that keeps the exchange history of a
// single session and replays it on every request.
type Conversation struct {
	backend    string
	generator  Generator
	template   Request
	timeout    time.Duration
	maxHistory int
	logger     *slog.Logger

	mu      sync.Mutex
	history []Message
}

type ConversationOption func(*Conversation)

func WithTimeout(d time.Duration) ConversationOption {
	return func(c *Conversation) { c.timeout = d }
}

// WithMaxHistory bounds the number of retained messages. Older exchanges are
// dropped in user/model pairs.
func WithMaxHistory(n int) ConversationOption {
	return func(c *Conversation) {
		if n > 0 {
			c.maxHistory = n
		}
	}
}

func NewConversation(backend string, generator Generator, template Request, logger *slog.Logger, opts ...ConversationOption) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		backend:    backend,
		generator:  generator,
		template:   template,
		maxHistory: defaultMaxHistory,
		logger:     logger.With(slog.String("component", "conversation"), slog.String("backend", backend)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask sends transcript with the accumulated history and returns the reply
// stripped of markup. A failed call leaves the history untouched.
func (c *Conversation) Ask(ctx context.Context, transcript string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.ask")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", c.backend))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := c.template
	req.Prompt = transcript
	req.History = c.History()

	start := time.Now()
	var sb strings.Builder
	var last Chunk
	err := c.generator.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		last = chunk
		return nil
	})
	if err == nil && strings.TrimSpace(sb.String()) == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("dialogue request failed", slogError(err), slog.Duration("latency", time.Since(start)))
		return "", &RemoteError{Backend: c.backend, Err: err}
	}

	raw := sb.String()
	reply := StripMarkup(raw)
	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleUser, Content: transcript}, Message{Role: RoleModel, Content: raw})
	if excess := len(c.history) - c.maxHistory; excess > 0 {
		excess += excess % 2
		c.history = append([]Message(nil), c.history[excess:]...)
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", last.PromptTokens),
		attribute.Int("llm.completion_tokens", last.CompletionTokens),
	)
	c.logger.Debug("dialogue reply received",
		slog.Duration("latency", time.Since(start)),
		slog.Int("reply_chars", len(reply)),
	)
	return reply, nil
}

// History returns a copy of the retained messages.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// IsRemote reports whether err came from the dialogue backend.
func IsRemote(err error) bool {
	return errors.Is(err, ErrRemote)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
