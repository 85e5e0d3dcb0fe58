package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Voice carries the rendering parameters shared by every engine.
type Voice struct {
	Name   string
	Rate   int     // words per minute
	Volume float64 // 0..1
}

// Engine renders text to the speaker. Say returns once playback ends;
// Stop interrupts an in-progress Say and is a no-op when idle.
type Engine interface {
	Say(ctx context.Context, text string) error
	Stop() error
}

func VoiceFromConfig(cfg config.TTSConfig) Voice {
	return Voice{Name: cfg.Voice, Rate: cfg.Rate, Volume: cfg.Volume}
}

// NewEngine selects an engine by cfg.Mode.
func NewEngine(cfg config.TTSConfig, logger *slog.Logger) (Engine, error) {
	voice := VoiceFromConfig(cfg)
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(voice), nil
	case "exec":
		return NewExecEngine(cfg.Command, voice, logger)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
