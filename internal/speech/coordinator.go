package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/loqalabs/loqa-avatar/internal/speech"

var tracer = otel.Tracer(scopeName)

var (
	ErrAlreadySpeaking   = errors.New("an utterance is already in flight")
	ErrCoordinatorClosed = errors.New("synthesis coordinator closed")
	ErrEmptyUtterance    = errors.New("utterance text is empty")
)

// Synthesizer renders text to audio. Say blocks until rendering ends; Stop
// asks an in-progress Say to return early and must be safe to call when idle.
type Synthesizer interface {
	Say(ctx context.Context, text string) error
	Stop() error
}

// Handle tracks one in-flight utterance.
type Handle struct {
	id        string
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool // guarded by Coordinator.mu
	// rendered is set as soon as the engine returned.
	rendered atomic.Bool
	err      error
}

func (h *Handle) ID() string { return h.id }

// Done is closed after the Finished event for this utterance was published.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the engine error, if any. Valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Coordinator owns one synthesis engine and renders at most one utterance at
// a time on its own goroutine.
type Coordinator struct {
	engine Synthesizer
	bus    *Bus
	logger *slog.Logger
	clock  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *Handle
	closed  bool
}

type Option func(*Coordinator)

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func NewCoordinator(engine Synthesizer, bus *Bus, logger *slog.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		engine: engine,
		bus:    bus,
		logger: logger.With(slog.String("component", "synthesis")),
		clock:  time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speak starts rendering u and returns immediately. Started and Finished are
// delivered on the bus. ctx bounds the rendering itself.
func (c *Coordinator) Speak(ctx context.Context, u Utterance) (*Handle, error) {
	if u.Text == "" {
		return nil, ErrEmptyUtterance
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	if c.current != nil {
		return nil, ErrAlreadySpeaking
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{id: u.ID, cancel: cancel, done: make(chan struct{})}
	c.current = h

	c.wg.Add(1)
	go c.render(hctx, h, u)
	return h, nil
}

func (c *Coordinator) render(ctx context.Context, h *Handle, u Utterance) {
	defer c.wg.Done()
	defer close(h.done)

	ctx, span := tracer.Start(ctx, "speech.render", trace.WithAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("utterance.role", u.Role.String()),
		attribute.Int("utterance.length", len(u.Text)),
	))
	defer span.End()

	c.publish(Event{Kind: Started, UtteranceID: u.ID, At: c.clock()})

	err := c.engine.Say(ctx, u.Text)
	h.rendered.Store(true)
	ctxErr := ctx.Err()

	c.mu.Lock()
	c.current = nil
	cancelled := h.cancelled
	c.mu.Unlock()

	if ctxErr != nil {
		cancelled = true
		if err == nil || errors.Is(err, context.Canceled) {
			err = ctxErr
		}
	}
	if cancelled && errors.Is(err, context.Canceled) {
		err = nil
	}
	h.cancel()
	h.err = err

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("synthesis failed", slog.String("utterance_id", u.ID), slogError(err))
	}
	span.SetAttributes(attribute.Bool("utterance.cancelled", cancelled))

	c.publish(Event{Kind: Finished, UtteranceID: u.ID, Cancelled: cancelled, Err: err, At: c.clock()})
}

func (c *Coordinator) publish(evt Event) {
	if err := c.bus.Publish(c.ctx, evt); err != nil {
		c.logger.Warn("dropped speech event",
			slog.String("kind", evt.Kind.String()),
			slog.String("utterance_id", evt.UtteranceID),
			slogError(err))
	}
}

// Cancel requests early termination of h. It is a no-op if the engine
// already returned for h or h was already cancelled. The Finished event still
// arrives on the bus.
func (c *Coordinator) Cancel(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	if c.current != h || h.cancelled || h.rendered.Load() {
		c.mu.Unlock()
		return
	}
	h.cancelled = true
	c.mu.Unlock()

	h.cancel()
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn("synthesizer stop failed", slog.String("utterance_id", h.id), slogError(err))
	}
}

// Active reports whether an utterance is being rendered.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Close cancels any in-flight utterance and waits for the worker to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	current := c.current
	c.mu.Unlock()

	c.Cancel(current)
	c.cancel()
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
