package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

// PhraseRecorder records one phrase of PCM.
type PhraseRecorder interface {
	Record(ctx context.Context) ([]byte, error)
	SampleRate() int
}

// MicrophoneListener records a phrase and hands it to a recognizer.
type MicrophoneListener struct {
	recorder   PhraseRecorder
	recognizer Recognizer
	logger     *slog.Logger
}

func NewMicrophoneListener(recorder PhraseRecorder, recognizer Recognizer, logger *slog.Logger) *MicrophoneListener {
	return &MicrophoneListener{
		recorder:   recorder,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "microphone-listener")),
	}
}

func (l *MicrophoneListener) Listen(ctx context.Context) (string, error) {
	pcm, err := l.recorder.Record(ctx)
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrNoSpeech):
		return "", ErrUnintelligible
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		return "", Unavailable(err)
	}

	result, err := l.recognizer.Transcribe(ctx, pcm, l.recorder.SampleRate())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, ErrUnintelligible) {
			return "", err
		}
		l.logger.Warn("transcription failed", slogError(err))
		return "", Unavailable(err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", ErrUnintelligible
	}
	l.logger.Debug("transcribed phrase",
		slog.Int("pcm_bytes", len(pcm)),
		slog.Float64("confidence", result.Confidence))
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
