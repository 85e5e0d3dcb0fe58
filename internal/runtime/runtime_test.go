package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/turn"
	"github.com/nats-io/nats.go"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "conversations.db")
	cfg.STT.Mode = "mock"
	cfg.TTS.Mode = "mock"
	cfg.TTS.Rate = 60000
	cfg.LLM.Mode = "mock"
	cfg.Avatar.Renderers = []string{"web"}
	cfg.Avatar.TickMS = 10
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func start(t *testing.T, cfg config.Config) (*Runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	rt := New(cfg, testLogger(), WithConsole(strings.NewReader(""), io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.Ready() {
		select {
		case err := <-done:
			cancel()
			t.Fatalf("runtime exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return rt, cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func waitForTurn(t *testing.T, ctrl *turn.Controller, match func(turn.ConversationTurn) bool) turn.ConversationTurn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, tr := range ctrl.Turns() {
			if match(tr) {
				return tr
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no matching turn in %+v", ctrl.Turns())
	return turn.ConversationTurn{}
}

func TestRuntimeAnswersScriptedQuestionAndJournals(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.MockScript = []string{"What is the capital of France?"}

	rt, cancel, done := start(t, cfg)
	answered := waitForTurn(t, rt.Controller(), func(tr turn.ConversationTurn) bool {
		return tr.Outcome == turn.OutcomeAnswered
	})
	if strings.ContainsAny(answered.AssistantText, "*#`") {
		t.Fatalf("reply still carries markup: %q", answered.AssistantText)
	}
	if !strings.Contains(answered.AssistantText, "France") {
		t.Fatalf("unexpected reply %q", answered.AssistantText)
	}
	stop(t, cancel, done)

	store, err := eventstore.Open(context.Background(), cfg.EventStore, testLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	turns, err := store.ListSessionTurns(context.Background(), rt.SessionID(), 0)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) < 2 {
		t.Fatalf("expected greeting and answer to be stored, got %d turns", len(turns))
	}
	if turns[0].Outcome != string(turn.OutcomeGreeting) {
		t.Fatalf("first stored turn = %q, want greeting", turns[0].Outcome)
	}
}

func TestRuntimeHTTPEndpoints(t *testing.T) {
	cfg := testConfig(t)
	rt, cancel, done := start(t, cfg)
	defer stop(t, cancel, done)
	base := "http://" + rt.Addr()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}

	body, _ := json.Marshal(protocol.ChatRequest{Message: "hello"})
	resp, err := http.Post(base+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	var chatResp protocol.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(chatResp.Response, "hello") {
		t.Fatalf("chat = %d %+v", resp.StatusCode, chatResp)
	}

	resp, err = http.Get(base + "/say")
	if err != nil {
		t.Fatalf("GET /say: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /say = %d", resp.StatusCode)
	}

	body, _ = json.Marshal(protocol.SayRequest{Text: "   "})
	resp, err = http.Post(base+"/say", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /say: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty say = %d", resp.StatusCode)
	}

	body, _ = json.Marshal(protocol.SayRequest{Text: "How far away is the moon?"})
	resp, err = http.Post(base+"/say", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /say: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("say = %d", resp.StatusCode)
	}
	waitForTurn(t, rt.Controller(), func(tr turn.ConversationTurn) bool {
		return tr.UserText == "How far away is the moon?" && tr.Outcome == turn.OutcomeAnswered
	})
}

func TestRuntimeBridgesTurnsOntoEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = false
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 200

	rt, cancel, done := start(t, cfg)
	defer stop(t, cancel, done)

	nc, err := nats.Connect(rt.busClient.Conn().ConnectedUrl())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	completed := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(protocol.SubjectTurnCompleted, completed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	payload, _ := json.Marshal(protocol.Transcript{Text: "Why is the sky blue?"})
	if err := nc.Publish(protocol.SubjectTranscript, payload); err != nil {
		t.Fatalf("publish transcript: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-completed:
			var evt protocol.TurnCompleted
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if evt.UserText != "Why is the sky blue?" {
				continue
			}
			if evt.SessionID != rt.SessionID() || evt.Outcome != string(turn.OutcomeAnswered) {
				t.Fatalf("unexpected completion %+v", evt)
			}
			return
		case <-timeout:
			t.Fatal("turn completion never published")
		}
	}
}
