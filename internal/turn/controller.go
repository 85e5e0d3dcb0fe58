package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-avatar/internal/capture"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/persona"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTerminated      = errors.New("conversation terminated")
	ErrEmptySubmission = errors.New("submitted text is empty")
	ErrBacklogFull     = errors.New("too many pending submissions")
	ErrAlreadyRunning  = errors.New("conversation loop already running")
)

// finishGrace bounds how long shutdown waits for a cancelled utterance to
// report Finished.
var finishGrace = 3 * time.Second

// Speaker renders utterances one at a time.
type Speaker interface {
	Speak(ctx context.Context, u speech.Utterance) (*speech.Handle, error)
	Cancel(h *speech.Handle)
	Active() bool
}

// Capturer performs one listening phase.
type Capturer interface {
	Capture(ctx context.Context, timeout time.Duration) (capture.Result, error)
}

// Animator receives the signals the display derives from the loop.
type Animator interface {
	OnSpeakingChanged(speaking bool)
	SetText(text string)
	SetState(state string)
}

type Options struct {
	Persona persona.Persona
	// SynthesisTimeout bounds a single utterance. Zero means no limit.
	SynthesisTimeout time.Duration
	// CaptureTimeout bounds a single listening phase. Zero means no limit.
	CaptureTimeout    time.Duration
	SubmissionBacklog int
	Journal           Journal
	Animator          Animator
	Meter             metric.Meter
	Clock             func() time.Time
	Logger            *slog.Logger
}

// Controller owns the conversation state. Only the goroutine running Run
// changes it.
type Controller struct {
	speaker Speaker
	events  <-chan speech.Event
	gate    Capturer
	model   llm.DialogueModel
	opts    Options
	logger  *slog.Logger
	clock   func() time.Time
	ins     instruments

	state       atomic.Int32
	running     atomic.Bool
	submissions chan string
	stop        chan struct{}
	stopOnce    sync.Once

	mu        sync.Mutex
	observers []func(from, to State)
	turns     []ConversationTurn

	// Owned by the Run goroutine.
	current *speech.Handle
	queued  []string
}

// New wires a controller. events must be the single subscription of the
// speech bus the speaker publishes on.
func New(speaker Speaker, events <-chan speech.Event, gate Capturer, model llm.DialogueModel, opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(scopeName)
	}
	if opts.SubmissionBacklog <= 0 {
		opts.SubmissionBacklog = 8
	}
	if opts.Persona.Lines.Greeting == "" {
		opts.Persona = persona.Default()
	}
	ins, err := newInstruments(opts.Meter)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		speaker:     speaker,
		events:      events,
		gate:        gate,
		model:       model,
		opts:        opts,
		logger:      opts.Logger.With(slog.String("component", "turn-controller")),
		clock:       opts.Clock,
		ins:         ins,
		submissions: make(chan string, opts.SubmissionBacklog),
		stop:        make(chan struct{}),
	}
	c.state.Store(int32(Idle))
	return c, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

// OnTransition registers fn to be called after every state change, on the
// controller goroutine.
func (c *Controller) OnTransition(fn func(from, to State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Turns returns the completed turns so far.
func (c *Controller) Turns() []ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConversationTurn(nil), c.turns...)
}

// Submit hands a typed transcript to the loop. It is answered at the next
// listening phase, except that a termination phrase interrupts the current
// utterance right away.
func (c *Controller) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptySubmission
	}
	if c.State() == Terminating {
		return ErrTerminated
	}
	select {
	case <-c.stop:
		return ErrTerminated
	default:
	}
	select {
	case c.submissions <- text:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Shutdown asks Run to cancel any utterance and return.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run drives the conversation until ctx ends, Shutdown is called or the
// speech input closes. It returns nil on those and an error only for
// controller bugs.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	lines := c.opts.Persona.Lines
	next := speech.NewUtterance(lines.Greeting, speech.RoleSystem)
	pending := ConversationTurn{ID: uuid.NewString(), Outcome: OutcomeGreeting, StartedAt: c.clock()}
	c.logger.Info("conversation started", slog.String("persona", c.opts.Persona.Metadata.Name))

	for {
		if err := c.transition(Speaking); err != nil {
			return err
		}
		pending.AssistantText = next.Text
		bargeIn, cancelled, err := c.speak(ctx, next)
		if err != nil {
			return c.terminate(err)
		}
		pending.Interrupted = cancelled
		pending.EndedAt = c.clock()
		c.complete(ctx, pending)

		if err := c.transition(AwaitingCapture); err != nil {
			return err
		}
		if err := c.transition(Listening); err != nil {
			return err
		}
		pending = ConversationTurn{ID: uuid.NewString(), StartedAt: c.clock()}
		res, err := c.listen(ctx, bargeIn)
		if err != nil {
			return c.terminate(err)
		}

		if err := c.transition(Processing); err != nil {
			return err
		}
		pending.UserText = res.Text
		next, pending.Outcome, err = c.process(ctx, res)
		if err != nil {
			return c.terminate(err)
		}
	}
}

func (c *Controller) transition(to State) error {
	from := c.State()
	if !CanTransition(from, to) {
		c.logger.Error("invalid transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state.Store(int32(to))
	c.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if c.opts.Animator != nil {
		c.opts.Animator.SetState(to.String())
	}
	c.mu.Lock()
	observers := append([]func(from, to State){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}

// speak renders u and returns once its Finished event was observed. A
// termination phrase submitted meanwhile cancels the utterance and is
// returned as bargeIn.
func (c *Controller) speak(ctx context.Context, u speech.Utterance) (bargeIn string, cancelled bool, err error) {
	ctx, span := tracer.Start(ctx, "turn.speak", trace.WithAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("utterance.role", u.Role.String()),
	))
	defer span.End()

	speakCtx := ctx
	if c.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		speakCtx, cancel = context.WithTimeout(ctx, c.opts.SynthesisTimeout)
		defer cancel()
	}

	h, err := c.speaker.Speak(speakCtx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, fmt.Errorf("speak %s: %w", u.ID, err)
	}
	c.current = h
	c.logger.Info("speaking", slog.String("utterance_id", u.ID), slog.String("role", u.Role.String()))

	for {
		select {
		case evt := <-c.events:
			if evt.UtteranceID != h.ID() {
				c.logger.Warn("ignoring speech event for stale utterance", slog.String("utterance_id", evt.UtteranceID))
				continue
			}
			switch evt.Kind {
			case speech.Started:
				if c.opts.Animator != nil {
					c.opts.Animator.SetText(u.Text)
					c.opts.Animator.OnSpeakingChanged(true)
				}
			case speech.Finished:
				c.finished(evt)
				span.SetAttributes(attribute.Bool("utterance.cancelled", evt.Cancelled))
				return bargeIn, evt.Cancelled, nil
			}
		case text := <-c.submissions:
			if bargeIn == "" && IsTermination(text, c.opts.Persona.TerminationPhrases) {
				bargeIn = text
				c.ins.bargeIns.Add(ctx, 1)
				c.logger.Info("barge-in requested", slog.String("utterance_id", u.ID))
				c.speaker.Cancel(h)
				continue
			}
			c.enqueue(text)
		case <-ctx.Done():
			span.SetStatus(codes.Error, "interrupted")
			return "", true, ctx.Err()
		}
	}
}

func (c *Controller) finished(evt speech.Event) {
	c.clearCurrent()
	if evt.Err != nil {
		c.logger.Warn("utterance ended with error", slog.String("utterance_id", evt.UtteranceID), slogError(evt.Err))
	}
}

func (c *Controller) clearCurrent() {
	c.current = nil
	if c.opts.Animator != nil {
		c.opts.Animator.OnSpeakingChanged(false)
	}
}

func (c *Controller) enqueue(text string) {
	if len(c.queued) >= c.opts.SubmissionBacklog {
		c.logger.Warn("dropping typed transcript; backlog full")
		return
	}
	c.queued = append(c.queued, text)
}

func (c *Controller) dequeue() (string, bool) {
	if len(c.queued) > 0 {
		text := c.queued[0]
		c.queued = c.queued[1:]
		return text, true
	}
	select {
	case text := <-c.submissions:
		return text, true
	default:
		return "", false
	}
}

type captureOutcome struct {
	res capture.Result
	err error
}

// listen resolves the listening phase from a barge-in, a queued submission
// or one microphone capture, whichever is available first.
func (c *Controller) listen(ctx context.Context, bargeIn string) (capture.Result, error) {
	ctx, span := tracer.Start(ctx, "turn.capture")
	defer span.End()

	res, err := c.resolveCapture(ctx, bargeIn)
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.String("capture.result", res.Kind.String()))
	c.ins.captureResults.Add(ctx, 1, metric.WithAttributes(attribute.String("result", res.Kind.String())))
	c.logger.Info("listening resolved", slog.String("result", res.Kind.String()))
	return res, nil
}

func (c *Controller) resolveCapture(ctx context.Context, bargeIn string) (capture.Result, error) {
	if bargeIn != "" {
		return capture.Result{Kind: capture.OK, Text: bargeIn}, nil
	}
	if text, ok := c.dequeue(); ok {
		return capture.Result{Kind: capture.OK, Text: text}, nil
	}

	capCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan captureOutcome, 1)
	go func() {
		res, err := c.gate.Capture(capCtx, c.opts.CaptureTimeout)
		done <- captureOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return capture.Result{}, ctx.Err()
			}
			return capture.Result{}, fmt.Errorf("capture: %w", out.err)
		}
		return out.res, nil
	case text := <-c.submissions:
		cancel()
		<-done
		return capture.Result{Kind: capture.OK, Text: text}, nil
	case <-ctx.Done():
		cancel()
		<-done
		return capture.Result{}, ctx.Err()
	}
}

// process picks the next utterance for a listening result.
func (c *Controller) process(ctx context.Context, res capture.Result) (speech.Utterance, Outcome, error) {
	ctx, span := tracer.Start(ctx, "turn.process")
	defer span.End()

	lines := c.opts.Persona.Lines
	class := Classify(res, c.opts.Persona.TerminationPhrases)
	span.SetAttributes(attribute.String("turn.class", class.String()))

	switch class {
	case Unheard:
		return speech.NewUtterance(lines.Unintelligible, speech.RoleSystem), OutcomeUnintelligible, nil
	case Unavailable:
		return speech.NewUtterance(lines.ServiceUnavailable, speech.RoleSystem), OutcomeServiceUnavailable, nil
	case Termination:
		// Speech in flight was already cancelled in speak.
		return speech.NewUtterance(lines.Acknowledgement, speech.RoleSystem), OutcomeAcknowledged, nil
	}

	reply, err := c.model.Ask(ctx, res.Text)
	if err != nil {
		if ctx.Err() != nil {
			return speech.Utterance{}, "", ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("dialogue model failed", slogError(err))
		return speech.NewUtterance(lines.ServiceUnavailable, speech.RoleSystem), OutcomeModelFailed, nil
	}
	reply = llm.StripMarkup(reply)
	if reply == "" {
		c.logger.Warn("dialogue model reply was empty after cleanup")
		return speech.NewUtterance(lines.ServiceUnavailable, speech.RoleSystem), OutcomeModelFailed, nil
	}
	return speech.NewUtterance(reply, speech.RoleAssistant), OutcomeAnswered, nil
}

// awaitFinished waits for the Finished event of the current utterance.
func (c *Controller) awaitFinished(ctx context.Context) error {
	if c.current == nil {
		return nil
	}
	id := c.current.ID()
	timer := time.NewTimer(finishGrace)
	defer timer.Stop()
	for {
		select {
		case evt := <-c.events:
			if evt.UtteranceID == id && evt.Kind == speech.Finished {
				c.finished(evt)
				return nil
			}
		case <-timer.C:
			c.logger.Warn("utterance did not finish after cancellation", slog.String("utterance_id", id))
			c.clearCurrent()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) complete(ctx context.Context, t ConversationTurn) {
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
	c.ins.recordTurn(ctx, t)
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.RecordTurn(context.WithoutCancel(ctx), t); err != nil {
		c.logger.Warn("failed to record turn", slog.String("turn_id", t.ID), slogError(err))
	}
}

// terminate handles the end of Run. Cancellation and closed input are the
// normal ways out; anything else is returned to the caller.
func (c *Controller) terminate(cause error) error {
	if err := c.transition(Terminating); err != nil {
		return err
	}
	if c.current != nil {
		c.speaker.Cancel(c.current)
		_ = c.awaitFinished(context.Background())
	}
	switch {
	case errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		c.logger.Info("conversation ended")
		return nil
	case errors.Is(cause, capture.ErrInputClosed):
		c.logger.Info("conversation ended; speech input closed")
		return nil
	}
	c.logger.Error("conversation aborted", slogError(cause))
	return cause
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
