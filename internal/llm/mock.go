package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const mockDelay = 20 * time.Millisecond

// mockGenerator echoes the prompt in two chunks. The reply carries markdown
// emphasis so callers exercise StripMarkup.
type mockGenerator struct{}

func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockDelay):
	}
	prompt := strings.TrimSuffix(strings.TrimSpace(req.Prompt), "?")
	exchange := len(req.History)/2 + 1
	parts := []string{
		fmt.Sprintf("You asked: %s. ", prompt),
		fmt.Sprintf("I am a **mock** model, and this is exchange %d.", exchange),
	}
	for i, part := range parts {
		if err := consumer(Chunk{
			Content: part,
			Partial: i < len(parts)-1,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
