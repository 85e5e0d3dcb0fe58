package stt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Entries in a script with these values produce the matching error instead
// of a transcript.
const (
	ScriptUnintelligible = "<unintelligible>"
	ScriptUnavailable    = "<unavailable>"
)

// ScriptedListener replays canned transcripts, then waits for ctx.
type ScriptedListener struct {
	mu     sync.Mutex
	script []string
}

func NewScriptedListener(script []string) *ScriptedListener {
	return &ScriptedListener{script: append([]string{}, script...)}
}

func (s *ScriptedListener) Listen(ctx context.Context) (string, error) {
	s.mu.Lock()
	if len(s.script) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	next := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()

	switch strings.TrimSpace(next) {
	case "", ScriptUnintelligible:
		return "", ErrUnintelligible
	case ScriptUnavailable:
		return "", ErrServiceUnavailable
	default:
		return next, nil
	}
}

// LineListener treats each line read from r as a spoken utterance. Once r is
// exhausted every Listen returns ErrInputClosed.
type LineListener struct {
	lines chan string
	once  sync.Once
	r     io.Reader
	err   error // read error, valid once lines is closed
}

func NewLineListener(r io.Reader) *LineListener {
	return &LineListener{lines: make(chan string), r: r}
}

func (l *LineListener) start() {
	go func() {
		defer close(l.lines)
		scanner := bufio.NewScanner(l.r)
		for scanner.Scan() {
			l.lines <- scanner.Text()
		}
		l.err = scanner.Err()
	}()
}

func (l *LineListener) Listen(ctx context.Context) (string, error) {
	l.once.Do(l.start)
	select {
	case line, ok := <-l.lines:
		if !ok {
			if l.err != nil {
				return "", fmt.Errorf("%w: %w", ErrInputClosed, l.err)
			}
			return "", ErrInputClosed
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return "", ErrUnintelligible
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IdleListener never produces audio transcripts; typed input reaches the
// conversation through other channels.
type IdleListener struct{}

func (IdleListener) Listen(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// IsIdle reports whether l never hears anything by itself, so bounding its
// listening phases would only produce false timeouts.
func IsIdle(l Listener) bool {
	switch l.(type) {
	case IdleListener, *IdleListener:
		return true
	}
	return false
}
