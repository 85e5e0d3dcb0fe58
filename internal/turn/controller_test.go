package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/capture"
	"github.com/loqalabs/loqa-avatar/internal/persona"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"github.com/loqalabs/loqa-avatar/internal/stt"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// timeline is a shared, ordered log of everything the test cares about.
type timeline struct {
	mu      sync.Mutex
	entries []string
}

func (tr *timeline) add(format string, args ...any) {
	tr.mu.Lock()
	tr.entries = append(tr.entries, fmt.Sprintf(format, args...))
	tr.mu.Unlock()
}

func (tr *timeline) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

func (tr *timeline) index(entry string) int {
	return slices.Index(tr.snapshot(), entry)
}

type testSynth struct {
	tr *timeline

	mu     sync.Mutex
	said   []string
	hold   map[string]chan struct{}
	stops  int
	failOn string
	// deaf makes held texts ignore cancellation.
	deaf bool
}

func newTestSynth(tr *timeline) *testSynth {
	return &testSynth{tr: tr, hold: make(map[string]chan struct{})}
}

// holdText makes Say block for text until it is cancelled.
func (s *testSynth) holdText(text string) {
	s.mu.Lock()
	s.hold[text] = make(chan struct{})
	s.mu.Unlock()
}

func (s *testSynth) Say(ctx context.Context, text string) error {
	s.mu.Lock()
	s.said = append(s.said, text)
	hold := s.hold[text]
	fail := s.failOn == text
	deaf := s.deaf
	s.mu.Unlock()
	s.tr.add("say:%s", text)
	if fail {
		return errors.New("audio device lost")
	}
	if hold == nil {
		return nil
	}
	if deaf {
		<-hold
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *testSynth) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *testSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

type testModel struct {
	mu    sync.Mutex
	asks  []string
	reply string
	err   error
}

func (m *testModel) Ask(_ context.Context, transcript string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asks = append(m.asks, transcript)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *testModel) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.asks...)
}

// testCapturer replays results, then blocks until its context ends. It
// records any call made while speech is in flight.
type testCapturer struct {
	tr      *timeline
	speaker Speaker

	mu         sync.Mutex
	script     []capture.Result
	calls      int
	violations int
}

func (c *testCapturer) Capture(ctx context.Context, _ time.Duration) (capture.Result, error) {
	c.mu.Lock()
	c.calls++
	if c.speaker.Active() {
		c.violations++
	}
	var next *capture.Result
	if len(c.script) > 0 {
		r := c.script[0]
		c.script = c.script[1:]
		next = &r
	}
	c.mu.Unlock()
	c.tr.add("capture")
	if next != nil {
		return *next, nil
	}
	<-ctx.Done()
	return capture.Result{}, ctx.Err()
}

func (c *testCapturer) stats() (calls, violations int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.violations
}

type testAnimator struct {
	tr *timeline

	mu       sync.Mutex
	speaking []bool
	text     string
}

func (a *testAnimator) OnSpeakingChanged(v bool) {
	if a.tr != nil {
		a.tr.add("speaking:%t", v)
	}
	a.mu.Lock()
	a.speaking = append(a.speaking, v)
	a.mu.Unlock()
}

func (a *testAnimator) SetText(text string) {
	a.mu.Lock()
	a.text = text
	a.mu.Unlock()
}

func (a *testAnimator) SetState(string) {}

type memoryJournal struct {
	mu    sync.Mutex
	turns []ConversationTurn
}

func (j *memoryJournal) RecordTurn(_ context.Context, t ConversationTurn) error {
	j.mu.Lock()
	j.turns = append(j.turns, t)
	j.mu.Unlock()
	return nil
}

type harness struct {
	t        *testing.T
	tr       *timeline
	synth    *testSynth
	model    *testModel
	capturer *testCapturer
	animator *testAnimator
	journal  *memoryJournal
	coord    *speech.Coordinator
	ctrl     *Controller
	lines    persona.Lines
	done     chan error
}

func newHarness(t *testing.T, script ...capture.Result) *harness {
	t.Helper()
	return buildHarness(t, 0, func(h *harness) Capturer {
		h.capturer = &testCapturer{tr: h.tr, speaker: h.coord, script: script}
		return h.capturer
	})
}

// newListenerHarness runs the controller against a real capture gate.
func newListenerHarness(t *testing.T, listener stt.Listener, captureTimeout time.Duration) *harness {
	t.Helper()
	return buildHarness(t, captureTimeout, func(h *harness) Capturer {
		return capture.NewGate(listener, h.coord, quietLogger())
	})
}

func buildHarness(t *testing.T, captureTimeout time.Duration, gate func(*harness) Capturer) *harness {
	t.Helper()
	tr := &timeline{}
	bus := speech.NewBus(8)
	events, err := bus.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Observe(func(evt speech.Event) {
		tr.add("%s:%s", evt.Kind, evt.UtteranceID)
	})
	synth := newTestSynth(tr)
	coord := speech.NewCoordinator(synth, bus, quietLogger())
	h := &harness{
		t:        t,
		tr:       tr,
		synth:    synth,
		model:    &testModel{reply: "The capital of France is **Paris**."},
		animator: &testAnimator{tr: tr},
		journal:  &memoryJournal{},
		coord:    coord,
		lines:    persona.Default().Lines,
		done:     make(chan error, 1),
	}
	h.ctrl, err = New(coord, events, gate(h), h.model, Options{
		Persona:        persona.Default(),
		CaptureTimeout: captureTimeout,
		Journal:        h.journal,
		Animator:       h.animator,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl.OnTransition(func(_, to State) { tr.add("state:%s", to) })
	t.Cleanup(func() {
		h.ctrl.Shutdown()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("controller did not stop")
		}
		coord.Close()
		bus.Close()
		if h.capturer == nil {
			return
		}
		if _, violations := h.capturer.stats(); violations != 0 {
			t.Errorf("capture ran while speech was in flight %d times", violations)
		}
	})
	return h
}

func (h *harness) start() {
	go func() { h.done <- h.ctrl.Run(context.Background()) }()
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; trace: %v", what, h.tr.snapshot())
}

func (h *harness) waitSpoken(n int) []string {
	h.t.Helper()
	h.waitFor(fmt.Sprintf("%d utterances", n), func() bool { return len(h.synth.spoken()) >= n })
	return h.synth.spoken()
}

func (h *harness) waitIdleCapture() {
	h.t.Helper()
	h.waitFor("listening with empty script", func() bool {
		calls, _ := h.capturer.stats()
		h.capturer.mu.Lock()
		exhausted := len(h.capturer.script) == 0
		h.capturer.mu.Unlock()
		return exhausted && calls > 0 && h.ctrl.State() == Listening
	})
}

func heard(text string) capture.Result { return capture.Result{Kind: capture.OK, Text: text} }

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Idle, Speaking},
		{Speaking, AwaitingCapture},
		{AwaitingCapture, Listening},
		{Listening, Processing},
		{Processing, Speaking},
		{Speaking, Terminating},
		{Listening, Terminating},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]State{
		{Speaking, Listening},
		{Listening, Speaking},
		{Processing, Idle},
		{Speaking, Idle},
		{Terminating, Speaking},
		{Idle, Listening},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestClassify(t *testing.T) {
	phrases := persona.Default().TerminationPhrases
	cases := []struct {
		res  capture.Result
		want Class
	}{
		{heard("What is the capital of France?"), Question},
		{heard("Okay thanks, stop"), Termination},
		{heard("OKAY THANK you"), Termination},
		{heard("please Stop talking"), Termination},
		{heard("nonstop flights to Paris"), Termination},
		{capture.Result{Kind: capture.Unintelligible}, Unheard},
		{capture.Result{Kind: capture.ServiceUnavailable}, Unavailable},
	}
	for _, tc := range cases {
		if got := Classify(tc.res, phrases); got != tc.want {
			t.Fatalf("Classify(%+v) = %s, want %s", tc.res, got, tc.want)
		}
	}
	if IsTermination("anything", nil) {
		t.Fatalf("no phrases must never terminate")
	}
}

func TestQuestionIsAnsweredWithoutMarkup(t *testing.T) {
	h := newHarness(t, heard("What is the capital of France?"))
	h.start()

	spoken := h.waitSpoken(2)
	if spoken[0] != h.lines.Greeting {
		t.Fatalf("expected greeting first, got %q", spoken[0])
	}
	if spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	if asks := h.model.calls(); len(asks) != 1 || asks[0] != "What is the capital of France?" {
		t.Fatalf("unexpected model calls %v", asks)
	}
	h.waitIdleCapture()

	turns := h.ctrl.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 completed turns, got %d", len(turns))
	}
	if turns[0].Outcome != OutcomeGreeting || turns[1].Outcome != OutcomeAnswered {
		t.Fatalf("unexpected outcomes %s, %s", turns[0].Outcome, turns[1].Outcome)
	}
	if turns[1].UserText != "What is the capital of France?" || turns[1].AssistantText != "The capital of France is Paris." {
		t.Fatalf("unexpected turn %+v", turns[1])
	}
	if turns[1].EndedAt.Before(turns[1].StartedAt) {
		t.Fatalf("turn ends before it starts")
	}
	h.journal.mu.Lock()
	journaled := len(h.journal.turns)
	h.journal.mu.Unlock()
	if journaled != 2 {
		t.Fatalf("expected journal to receive 2 turns, got %d", journaled)
	}
}

func TestTerminationPhraseNeverAsksModel(t *testing.T) {
	h := newHarness(t, heard("Okay thank you"), heard("STOP"))
	h.start()

	spoken := h.waitSpoken(3)
	if spoken[1] != h.lines.Acknowledgement || spoken[2] != h.lines.Acknowledgement {
		t.Fatalf("expected acknowledgements, got %v", spoken)
	}
	if asks := h.model.calls(); len(asks) != 0 {
		t.Fatalf("model must not be asked, got %v", asks)
	}
}

func TestFallbackLinesNeverAskModel(t *testing.T) {
	h := newHarness(t,
		capture.Result{Kind: capture.Unintelligible},
		capture.Result{Kind: capture.ServiceUnavailable},
	)
	h.start()

	spoken := h.waitSpoken(3)
	if spoken[1] != h.lines.Unintelligible {
		t.Fatalf("expected unintelligible line, got %q", spoken[1])
	}
	if spoken[2] != h.lines.ServiceUnavailable {
		t.Fatalf("expected service line, got %q", spoken[2])
	}
	if h.lines.Unintelligible == h.lines.ServiceUnavailable {
		t.Fatalf("fallback lines must differ")
	}
	if asks := h.model.calls(); len(asks) != 0 {
		t.Fatalf("model must not be asked, got %v", asks)
	}
	h.waitIdleCapture()

	var states []string
	for _, e := range h.tr.snapshot() {
		if s, found := strings.CutPrefix(e, "state:"); found {
			states = append(states, s)
		}
	}
	want := []string{
		"speaking", "awaiting_capture", "listening", "processing",
		"speaking", "awaiting_capture", "listening", "processing",
		"speaking", "awaiting_capture", "listening",
	}
	if !slices.Equal(states, want) {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestModelFailureApologisesAndContinues(t *testing.T) {
	h := newHarness(t, heard("tell me a joke"))
	h.model.err = errors.New("quota exceeded")
	h.start()

	spoken := h.waitSpoken(2)
	if spoken[1] != h.lines.ServiceUnavailable {
		t.Fatalf("expected service line after model failure, got %q", spoken[1])
	}
	h.waitIdleCapture()
	if asks := h.model.calls(); len(asks) != 1 {
		t.Fatalf("model failure must not be retried, got %d calls", len(asks))
	}
	turns := h.ctrl.Turns()
	if turns[len(turns)-1].Outcome != OutcomeModelFailed {
		t.Fatalf("expected model_failed outcome, got %s", turns[len(turns)-1].Outcome)
	}
}

func TestBargeInCancelsBeforeListening(t *testing.T) {
	h := newHarness(t)
	h.synth.holdText(h.lines.Greeting)
	h.start()

	h.waitFor("greeting in flight", func() bool {
		return h.ctrl.State() == Speaking && h.coord.Active() && len(h.synth.spoken()) == 1
	})
	if err := h.ctrl.Submit("Okay thanks, stop"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	spoken := h.waitSpoken(2)
	if spoken[1] != h.lines.Acknowledgement {
		t.Fatalf("expected acknowledgement, got %q", spoken[1])
	}
	if asks := h.model.calls(); len(asks) != 0 {
		t.Fatalf("model must not be asked on barge-in, got %v", asks)
	}

	entries := h.tr.snapshot()
	finished := h.tr.index("speaking:false")
	listening := h.tr.index("state:listening")
	if finished < 0 || listening < 0 || finished > listening {
		t.Fatalf("finished must precede listening: %v", entries)
	}
	if h.tr.index("say:"+h.lines.Acknowledgement) < listening {
		t.Fatalf("acknowledgement spoken before listening resumed: %v", entries)
	}

	turns := h.ctrl.Turns()
	if !turns[0].Interrupted {
		t.Fatalf("greeting turn should be marked interrupted")
	}
	if turns[1].Outcome != OutcomeAcknowledged || turns[1].UserText != "Okay thanks, stop" {
		t.Fatalf("unexpected barge-in turn %+v", turns[1])
	}
	h.synth.mu.Lock()
	stops := h.synth.stops
	h.synth.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected one stop request, got %d", stops)
	}
}

func TestTypedQuestionWhileSpeakingWaitsForListening(t *testing.T) {
	h := newHarness(t)
	h.synth.holdText(h.lines.Greeting)
	h.start()

	h.waitFor("greeting in flight", func() bool { return h.coord.Active() })
	if err := h.ctrl.Submit("What is the capital of France?"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if h.ctrl.State() != Speaking {
		t.Fatalf("a question must not interrupt speech, state %s", h.ctrl.State())
	}
	h.synth.mu.Lock()
	close(h.synth.hold[h.lines.Greeting])
	h.synth.mu.Unlock()

	spoken := h.waitSpoken(2)
	if spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	if asks := h.model.calls(); len(asks) != 1 {
		t.Fatalf("expected the queued question to be asked once, got %v", asks)
	}
}

func TestSubmitInterruptsCapture(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.waitIdleCapture()

	if err := h.ctrl.Submit("  What is the capital of France?  "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	spoken := h.waitSpoken(2)
	if spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
	if asks := h.model.calls(); len(asks) != 1 || asks[0] != "What is the capital of France?" {
		t.Fatalf("unexpected model calls %v", asks)
	}
	if err := h.ctrl.Submit("   "); !errors.Is(err, ErrEmptySubmission) {
		t.Fatalf("expected empty submission error, got %v", err)
	}
}

func TestShutdownCancelsInFlightUtterance(t *testing.T) {
	h := newHarness(t)
	h.synth.holdText(h.lines.Greeting)
	h.start()
	h.waitFor("greeting in flight", func() bool { return h.coord.Active() })

	h.ctrl.Shutdown()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
	if h.ctrl.State() != Terminating {
		t.Fatalf("expected terminating state, got %s", h.ctrl.State())
	}
	if h.coord.Active() {
		t.Fatalf("utterance still in flight after shutdown")
	}
	if err := h.ctrl.Submit("hello"); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
	h.animator.mu.Lock()
	defer h.animator.mu.Unlock()
	if n := len(h.animator.speaking); n == 0 || h.animator.speaking[n-1] {
		t.Fatalf("animation left running: %v", h.animator.speaking)
	}
}

func TestSynthesisErrorStillAdvances(t *testing.T) {
	h := newHarness(t, heard("What is the capital of France?"))
	h.synth.failOn = h.lines.Greeting
	h.start()

	spoken := h.waitSpoken(2)
	if spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.waitIdleCapture()
	if err := h.ctrl.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestShutdownStopsAnimationWhenUtteranceNeverFinishes(t *testing.T) {
	grace := finishGrace
	finishGrace = 50 * time.Millisecond
	t.Cleanup(func() { finishGrace = grace })

	h := newHarness(t)
	h.synth.deaf = true
	h.synth.holdText(h.lines.Greeting)
	t.Cleanup(func() {
		h.synth.mu.Lock()
		close(h.synth.hold[h.lines.Greeting])
		h.synth.mu.Unlock()
	})
	h.start()
	h.waitFor("greeting animating", func() bool {
		h.animator.mu.Lock()
		defer h.animator.mu.Unlock()
		return len(h.animator.speaking) > 0
	})

	h.ctrl.Shutdown()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
	if !h.coord.Active() {
		t.Fatalf("expected the engine to still be rendering")
	}
	h.animator.mu.Lock()
	defer h.animator.mu.Unlock()
	if n := len(h.animator.speaking); h.animator.speaking[n-1] {
		t.Fatalf("animation left running: %v", h.animator.speaking)
	}
}

func TestClosedConsoleInputEndsConversation(t *testing.T) {
	h := newListenerHarness(t, stt.NewLineListener(strings.NewReader("What is the capital of France?\n")), time.Second)
	h.start()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatalf("run kept going after input closed; trace: %v", h.tr.snapshot())
	}
	spoken := h.synth.spoken()
	if len(spoken) != 2 || spoken[0] != h.lines.Greeting || spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected utterances %v", spoken)
	}
	for _, line := range spoken {
		if line == h.lines.ServiceUnavailable || line == h.lines.Unintelligible {
			t.Fatalf("end of input produced a fallback line: %v", spoken)
		}
	}
	if h.ctrl.State() != Terminating {
		t.Fatalf("expected terminating state, got %s", h.ctrl.State())
	}
}

func TestEmptyConsoleInputEndsAfterGreeting(t *testing.T) {
	h := newListenerHarness(t, stt.NewLineListener(strings.NewReader("")), 0)
	h.start()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatalf("run kept going after input closed")
	}
	if spoken := h.synth.spoken(); len(spoken) != 1 || spoken[0] != h.lines.Greeting {
		t.Fatalf("expected only the greeting, got %v", spoken)
	}
}

func TestIdleListenerWaitsWithoutFallbackLines(t *testing.T) {
	h := newListenerHarness(t, stt.IdleListener{}, 20*time.Millisecond)
	h.start()

	h.waitFor("listening", func() bool { return h.ctrl.State() == Listening })
	time.Sleep(150 * time.Millisecond)
	if spoken := h.synth.spoken(); len(spoken) != 1 {
		t.Fatalf("idle listening produced utterances %v", spoken)
	}
	if h.ctrl.State() != Listening {
		t.Fatalf("expected to keep listening, got %s", h.ctrl.State())
	}

	if err := h.ctrl.Submit("What is the capital of France?"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	spoken := h.waitSpoken(2)
	if spoken[1] != "The capital of France is Paris." {
		t.Fatalf("unexpected reply %q", spoken[1])
	}
}
