// Package runtime assembles the assistant: transport, storage, speech, capture,
// the conversation loop and the avatar renderers.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/avatar/tui"
	"github.com/loqalabs/loqa-avatar/internal/avatar/web"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/capture"
	"github.com/loqalabs/loqa-avatar/internal/chat"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/persona"
	"github.com/loqalabs/loqa-avatar/internal/presence"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/turn"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

type Option func(*Runtime)

// WithConsole sets the terminal streams used by the tui renderer and the
// console listener. Defaults are os.Stdin and os.Stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(r *Runtime) {
		r.in = in
		r.out = out
	}
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
	wg         sync.WaitGroup
	closers    []func()

	sessionID string
	persona   persona.Persona
	busClient *bus.Client
	store     *eventstore.Store
	ctrl      *turn.Controller
	driver    *avatar.Driver
	screen    *tui.Renderer
	hub       *web.Hub
	router    *router.Service
	chat      *chat.Service
	presence  *presence.Registry
	metrics   http.Handler
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID is assigned by Start.
func (r *Runtime) SessionID() string { return r.sessionID }

// Controller is nil until Start has assembled the loop.
func (r *Runtime) Controller() *turn.Controller { return r.ctrl }

// Ready reports whether the conversation loop is running. Once it returns
// true, Addr and Controller are safe to call from other goroutines.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Addr reports the HTTP listen address once serving.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Start assembles every component and runs the conversation until ctx ends
// or the user says goodbye.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.closeAll()

	if err := r.assemble(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.serveHTTP(); err != nil {
		return err
	}
	r.goRun(runCtx, "avatar", r.driver.Run)
	if r.screen != nil {
		r.goRun(runCtx, "tui", func(ctx context.Context) error {
			err := r.screen.Run(ctx)
			// Closing the terminal ends the conversation.
			r.ctrl.Shutdown()
			return err
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("persona", r.persona.Metadata.Name),
		slog.String("addr", r.Addr()))

	err := r.ctrl.Run(runCtx)
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	cancel()
	if err != nil {
		return fmt.Errorf("conversation loop: %w", err)
	}
	return nil
}

func (r *Runtime) assemble(ctx context.Context) error {
	cfg := r.cfg

	tel, err := setupTelemetry(ctx, cfg, r.out, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = tel.metrics
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	r.persona = persona.Default()
	if cfg.Turn.PersonaPath != "" {
		if r.persona, err = persona.Load(cfg.Turn.PersonaPath); err != nil {
			return fmt.Errorf("load persona: %w", err)
		}
	}
	r.sessionID = uuid.NewString()

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	})
	if err := r.store.AppendSession(ctx, eventstore.Session{
		ID:      r.sessionID,
		NodeID:  cfg.Node.ID,
		Persona: r.persona.Metadata.Name,
	}); err != nil {
		return fmt.Errorf("record session: %w", err)
	}

	engine, err := tts.NewEngine(cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("tts engine: %w", err)
	}
	speechBus := speech.NewBus(0)
	events, err := speechBus.Subscribe()
	if err != nil {
		return err
	}
	coordinator := speech.NewCoordinator(engine, speechBus, r.logger)
	r.onClose(func() {
		coordinator.Close()
		speechBus.Close()
	})

	listener, err := r.openListener()
	if err != nil {
		return err
	}
	gate := capture.NewGate(listener, coordinator, r.logger)

	generator, err := llm.NewGenerator(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}
	template := llm.TemplateFromConfig(cfg.LLM, r.persona.Instructions)
	timeout := millis(cfg.LLM.TimeoutMS)
	dialogue := llm.NewConversation(cfg.LLM.Mode, generator, template, r.logger, llm.WithTimeout(timeout))

	r.driver = avatar.NewDriver(millis(cfg.Avatar.TickMS), r.renderers(), r.logger)

	journals := turn.Journals{r.store.Journal(r.sessionID)}
	if r.busClient != nil {
		r.router = router.NewService(r.busClient, cfg.Node.ID, r.sessionID, submitFunc(r.submit), r.logger)
		journals = append(journals, r.router)
		speechBus.Observe(r.router.OnSpeech)
	}

	r.ctrl, err = turn.New(coordinator, events, gate, dialogue, turn.Options{
		Persona:           r.persona,
		SynthesisTimeout:  millis(cfg.Turn.SynthesisTimeout),
		CaptureTimeout:    millis(cfg.Turn.CaptureTimeout),
		SubmissionBacklog: cfg.Turn.SubmissionBacklog,
		Journal:           journals,
		Animator:          r.driver,
		Logger:            r.logger,
	})
	if err != nil {
		return fmt.Errorf("turn controller: %w", err)
	}
	r.ctrl.OnTransition(func(from, to turn.State) {
		r.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	})

	if r.router != nil {
		r.ctrl.OnTransition(r.router.OnTransition)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
		r.onClose(r.router.Close)

		r.presence, err = presence.NewRegistry(ctx, cfg.Node, r.busClient, func() string {
			return r.ctrl.State().String()
		}, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.onClose(r.presence.Close)
		r.ctrl.OnTransition(func(_, _ turn.State) {
			if err := r.presence.PublishHeartbeat(); err != nil {
				r.logger.Debug("heartbeat publish failed", slogError(err))
			}
		})
	}

	if cfg.Chat.Enabled {
		// Typed chat keeps its own history so it never disturbs the spoken one.
		chatDialogue := llm.NewConversation(cfg.LLM.Mode, generator, template, r.logger, llm.WithTimeout(timeout))
		r.chat = chat.NewService(ctx, chatDialogue, r.busClient, r.logger)
		if err := r.chat.Start(); err != nil {
			return fmt.Errorf("start chat: %w", err)
		}
		r.onClose(r.chat.Close)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	cfg := r.cfg.Bus
	if !cfg.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.onClose(embedded.Shutdown)
		cfg.Servers = []string{embedded.ClientURL()}
	}
	r.busClient, err = bus.Connect(ctx, cfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.onClose(r.busClient.Close)
	return nil
}

// openListener picks the speech source. With the terminal renderer active,
// typed input arrives through Submit, so the console listener stays idle.
func (r *Runtime) openListener() (stt.Listener, error) {
	var recorder stt.PhraseRecorder
	if stt.UsesMicrophone(r.cfg.STT.Mode) {
		src, err := audio.OpenSource(r.cfg.Capture, r.busClient, r.cfg.Node.ID)
		if err != nil {
			return nil, fmt.Errorf("open audio source: %w", err)
		}
		r.onClose(func() { _ = src.Close() })
		recorder = audio.NewRecorder(src, r.cfg.Capture, r.logger)
	}
	var console io.Reader
	if !r.cfg.Avatar.HasRenderer("tui") {
		console = r.in
	}
	listener, err := stt.NewListener(r.cfg.STT, recorder, console, r.logger)
	if err != nil {
		return nil, fmt.Errorf("speech listener: %w", err)
	}
	return listener, nil
}

func (r *Runtime) renderers() avatar.Renderer {
	var renderers avatar.Multi
	if r.cfg.Avatar.HasRenderer("tui") {
		r.screen = tui.New(tui.Options{
			Width:  r.cfg.Avatar.TextWidth,
			Submit: func(text string) { _ = r.submit(text) },
			Quit: func() {
				if r.ctrl != nil {
					r.ctrl.Shutdown()
				}
			},
			Input:  r.in,
			Output: r.out,
		})
		renderers = append(renderers, r.screen)
	}
	if r.cfg.Avatar.HasRenderer("web") {
		r.hub = web.NewHub(r.logger)
		r.onClose(r.hub.Close)
		renderers = append(renderers, r.hub)
	}
	return renderers
}

func (r *Runtime) submit(text string) error {
	if r.ctrl == nil {
		return turn.ErrTerminated
	}
	if err := r.ctrl.Submit(text); err != nil {
		r.logger.Warn("submission rejected", slogError(err))
		return err
	}
	return nil
}

func (r *Runtime) serveHTTP() error {
	if !r.cfg.HTTP.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/say", r.handleSay)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	if r.chat != nil {
		mux.Handle("/chat", r.chat)
	}
	if r.hub != nil {
		mux.HandleFunc("/avatar/ws", r.hub.ServeWS)
		mux.HandleFunc("/", web.ServeIndex)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(mux, r.cfg.RuntimeName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	})
	return nil
}

func (r *Runtime) goRun(ctx context.Context, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil {
			r.logger.Error("component failed", slog.String("name", name), slogError(err))
		}
	}()
}

// onClose registers cleanup run in reverse order when Start returns.
func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	ready := r.ready.Load() && r.store.Healthy(req.Context())
	if r.busClient != nil && !r.busClient.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSay(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body protocol.SayRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	switch err := r.submit(body.Text); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, turn.ErrEmptySubmission):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

type submitFunc func(text string) error

func (f submitFunc) Submit(text string) error { return f(text) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
