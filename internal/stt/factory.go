package stt

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// NewRecognizer builds the recognizer for microphone modes (exec, deepgram).
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "deepgram":
		return NewDeepgramRecognizer(cfg)
	default:
		return nil, fmt.Errorf("stt mode %q does not use a recognizer", cfg.Mode)
	}
}

// UsesMicrophone reports whether the mode records audio.
func UsesMicrophone(mode string) bool {
	return mode == "exec" || mode == "deepgram"
}

// NewListener builds the listener for cfg.Mode. recorder is required for the
// microphone modes; console feeds the console mode and may be nil when typed
// input arrives some other way.
func NewListener(cfg config.STTConfig, recorder PhraseRecorder, console io.Reader, logger *slog.Logger) (Listener, error) {
	switch cfg.Mode {
	case "mock":
		return NewScriptedListener(cfg.MockScript), nil
	case "", "console":
		if console == nil {
			return IdleListener{}, nil
		}
		return NewLineListener(console), nil
	case "exec", "deepgram":
		if recorder == nil {
			return nil, fmt.Errorf("stt mode %q needs a microphone", cfg.Mode)
		}
		recognizer, err := NewRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		return NewMicrophoneListener(recorder, recognizer, logger), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
