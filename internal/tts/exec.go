package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine speaks by running an external command (espeak-ng, say, piper
// piped to aplay...) with the text on stdin. The placeholders {voice},
// {rate}, {volume} and {volume_pct} are expanded in the arguments.
type ExecEngine struct {
	cmd    []string
	voice  Voice
	logger *slog.Logger

	mu      sync.Mutex
	running *exec.Cmd
	stopped bool
}

func NewExecEngine(command string, voice Voice, logger *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecEngine{
		cmd:    args,
		voice:  voice,
		logger: logger.With(slog.String("component", "tts-exec")),
	}, nil
}

func (e *ExecEngine) args() []string {
	replacer := strings.NewReplacer(
		"{voice}", e.voice.Name,
		"{rate}", strconv.Itoa(e.voice.Rate),
		"{volume}", strconv.FormatFloat(e.voice.Volume, 'f', 2, 64),
		"{volume_pct}", strconv.Itoa(int(e.voice.Volume*100)),
	)
	out := make([]string, 0, len(e.cmd)-1)
	for _, a := range e.cmd[1:] {
		out = append(out, replacer.Replace(a))
	}
	return out
}

func (e *ExecEngine) Say(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.args()...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.mu.Lock()
	if e.running != nil {
		e.mu.Unlock()
		return errors.New("tts command already running")
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("start tts command: %w", err)
	}
	e.running = cmd
	e.stopped = false
	e.mu.Unlock()

	err := cmd.Wait()

	e.mu.Lock()
	stopped := e.stopped
	e.running = nil
	e.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stopped {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *ExecEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == nil || e.running.Process == nil {
		return nil
	}
	e.stopped = true
	if err := e.running.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill tts command: %w", err)
	}
	e.logger.Debug("tts command interrupted")
	return nil
}
