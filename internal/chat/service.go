// Package chat answers typed questions outside the spoken loop, over HTTP
// and NATS request/reply.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	maxBodyBytes   = 64 << 10
	requestTimeout = 60 * time.Second
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("chat service closed")
)

type Service struct {
	model  llm.DialogueModel
	bus    *bus.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	mu     sync.Mutex
	closed bool
}

// NewService answers with model. busClient may be nil to serve HTTP only.
func NewService(parent context.Context, model llm.DialogueModel, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		model:  model,
		bus:    busClient,
		logger: logger.With(slog.String("component", "chat")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	s.sub = sub
	return nil
}

// Close stops accepting bus requests and waits for the ones in flight.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || (s.sub != nil && s.sub.IsValid())
}

// Reply asks the model and returns the cleaned answer.
func (s *Service) Reply(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	reply, err := s.model.Ask(ctx, message)
	if err != nil {
		return "", err
	}
	return llm.StripMarkup(reply), nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		s.respond(msg, protocol.ChatResponse{Error: "invalid request"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, protocol.ChatResponse{Error: ErrClosed.Error()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		start := time.Now()
		reply, err := s.Reply(ctx, req.Message)
		if err != nil {
			s.logger.Warn("chat request failed", slogError(err))
			s.respond(msg, protocol.ChatResponse{Error: err.Error()})
			return
		}
		s.logger.Info("chat request answered", slog.Duration("latency", time.Since(start)))
		s.respond(msg, protocol.ChatResponse{Response: reply})
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.ChatResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to chat request", slogError(err))
	}
}

// ServeHTTP handles POST {"message": "..."} and answers {"response": "..."}.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, protocol.ChatResponse{Error: "method not allowed"})
		return
	}
	var req protocol.ChatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ChatResponse{Error: "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	reply, err := s.Reply(ctx, req.Message)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, protocol.ChatResponse{Error: err.Error()})
	case err != nil:
		s.logger.Warn("chat request failed", slogError(err))
		writeJSON(w, http.StatusBadGateway, protocol.ChatResponse{Error: "dialogue model unavailable"})
	default:
		writeJSON(w, http.StatusOK, protocol.ChatResponse{Response: reply})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
