package stt

import (
	"context"
	"errors"
)

var (
	// ErrUnintelligible means audio was captured but produced no usable text.
	ErrUnintelligible = errors.New("speech not understood")
	// ErrServiceUnavailable means the recognizer or capture device failed.
	ErrServiceUnavailable = errors.New("speech recognition unavailable")
	// ErrInputClosed means the listener's source ended and will never
	// produce another transcript.
	ErrInputClosed = errors.New("speech input closed")
)

// Listener captures one utterance from the user and returns its transcript.
type Listener interface {
	Listen(ctx context.Context) (string, error)
}

// Transcript captures recognizer output.
type Transcript struct {
	Text       string
	Confidence float64
}

// Recognizer turns one recorded phrase into text.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string { return "speech recognition unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() []error {
	return []error{ErrServiceUnavailable, e.err}
}

// Unavailable wraps err so that errors.Is(err, ErrServiceUnavailable) holds
// while keeping the cause inspectable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	return &unavailableError{err: err}
}
