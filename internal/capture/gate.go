// Package capture runs one guarded microphone capture at a time.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-avatar/internal/capture")

var (
	// ErrSpeechInFlight means Capture was called while an utterance is rendering.
	ErrSpeechInFlight = errors.New("capture requested while speech is in flight")
	// ErrCaptureInFlight means Capture was called while another capture runs.
	ErrCaptureInFlight = errors.New("capture already in flight")
	// ErrInputClosed means the listener will never produce another result.
	ErrInputClosed = stt.ErrInputClosed
)

type Kind int

const (
	OK Kind = iota
	Unintelligible
	ServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Unintelligible:
		return "unintelligible"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Result is the outcome of one listening phase. Text is set only for OK.
type Result struct {
	Kind Kind
	Text string
}

// SpeechGuard reports whether synthesis is active.
type SpeechGuard interface {
	Active() bool
}

type Gate struct {
	listener stt.Listener
	guard    SpeechGuard
	logger   *slog.Logger
	idle     bool
	busy     atomic.Bool
}

func NewGate(listener stt.Listener, guard SpeechGuard, logger *slog.Logger) *Gate {
	return &Gate{
		listener: listener,
		guard:    guard,
		logger:   logger.With(slog.String("component", "capture-gate")),
		idle:     stt.IsIdle(listener),
	}
}

// Busy reports whether a capture is running.
func (g *Gate) Busy() bool { return g.busy.Load() }

// Capture blocks for one listening phase. A timeout of zero means no limit;
// a capture that times out is reported as Unintelligible. Listeners that
// never hear anything are not bounded. The returned error is non-nil only for
// misuse, when ctx ends or when the input closed for good.
func (g *Gate) Capture(ctx context.Context, timeout time.Duration) (Result, error) {
	if g.guard != nil && g.guard.Active() {
		return Result{}, ErrSpeechInFlight
	}
	if !g.busy.CompareAndSwap(false, true) {
		return Result{}, ErrCaptureInFlight
	}
	defer g.busy.Store(false)

	ctx, span := tracer.Start(ctx, "capture.listen")
	defer span.End()

	listenCtx := ctx
	if timeout > 0 && !g.idle {
		var cancel context.CancelFunc
		listenCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.listener.Listen(listenCtx)
	result, err := g.classify(ctx, text, err)
	span.SetAttributes(
		attribute.String("capture.result", result.Kind.String()),
		attribute.Int64("capture.duration_ms", time.Since(start).Milliseconds()),
	)
	return result, err
}

func (g *Gate) classify(ctx context.Context, text string, err error) (Result, error) {
	switch {
	case err == nil:
		return Result{Kind: OK, Text: text}, nil
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, ErrInputClosed):
		g.logger.Info("speech input closed")
		return Result{}, err
	case errors.Is(err, stt.ErrUnintelligible):
		return Result{Kind: Unintelligible}, nil
	case errors.Is(err, context.DeadlineExceeded):
		g.logger.Info("capture timed out")
		return Result{Kind: Unintelligible}, nil
	case errors.Is(err, stt.ErrServiceUnavailable):
		g.logger.Warn("speech recognition unavailable", slog.String("error", err.Error()))
		return Result{Kind: ServiceUnavailable}, nil
	default:
		g.logger.Warn("capture failed", slog.String("error", err.Error()))
		return Result{Kind: ServiceUnavailable}, nil
	}
}
