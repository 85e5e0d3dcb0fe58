// Package router bridges the conversation loop and the NATS bus: inbound
// transcripts become submissions, and loop activity is mirrored outbound.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"github.com/loqalabs/loqa-avatar/internal/turn"
	"github.com/nats-io/nats.go"
)

// Submitter accepts transcripts for the conversation loop.
type Submitter interface {
	Submit(text string) error
}

type Service struct {
	bus       *bus.Client
	nodeID    string
	sessionID string
	submitter Submitter
	logger    *slog.Logger
	clock     func() time.Time

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(busClient *bus.Client, nodeID, sessionID string, submitter Submitter, logger *slog.Logger) *Service {
	return &Service{
		bus:       busClient,
		nodeID:    nodeID,
		sessionID: sessionID,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "router")),
		clock:     time.Now,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	transcripts, err := conn.Subscribe(protocol.SubjectTranscript, s.handleTranscript)
	if err != nil {
		return err
	}
	say, err := conn.Subscribe(protocol.SubjectSay, s.handleSay)
	if err != nil {
		_ = transcripts.Drain()
		return err
	}
	s.mu.Lock()
	s.subs = append(s.subs, transcripts, say)
	s.mu.Unlock()
	if err := s.bus.EnsureTurnStream(protocol.SubjectTurnCompleted); err != nil {
		s.logger.Warn("completed turns will not be retained", slogError(err))
	}
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 2 && s.bus.Healthy()
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	if transcript.Partial || transcript.Text == "" {
		return
	}
	if err := s.submitter.Submit(transcript.Text); err != nil {
		s.logger.Warn("transcript rejected", slogError(err))
	}
}

func (s *Service) handleSay(msg *nats.Msg) {
	var req protocol.SayRequest
	err := json.Unmarshal(msg.Data, &req)
	if err == nil {
		err = s.submitter.Submit(req.Text)
	}
	if err != nil {
		s.logger.Warn("say request rejected", slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	resp := protocol.ChatResponse{Response: "queued"}
	if err != nil {
		resp = protocol.ChatResponse{Error: err.Error()}
	}
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		s.logger.Warn("failed to answer say request", slogError(err))
	}
}

// OnTransition mirrors a controller state change.
func (s *Service) OnTransition(from, to turn.State) {
	s.publish(protocol.SubjectState, protocol.StateChange{
		NodeID:    s.nodeID,
		SessionID: s.sessionID,
		From:      from.String(),
		To:        to.String(),
		Timestamp: s.clock().UTC(),
	})
}

// OnSpeech mirrors a speech lifecycle event.
func (s *Service) OnSpeech(evt speech.Event) {
	msg := protocol.SpeechEvent{
		NodeID:      s.nodeID,
		UtteranceID: evt.UtteranceID,
		Kind:        evt.Kind.String(),
		Cancelled:   evt.Cancelled,
		Timestamp:   evt.At.UTC(),
	}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	s.publish(protocol.SubjectSpeech, msg)
}

// RecordTurn publishes a completed turn.
func (s *Service) RecordTurn(_ context.Context, t turn.ConversationTurn) error {
	return s.bus.PublishJSON(protocol.SubjectTurnCompleted, protocol.TurnCompleted{
		NodeID:        s.nodeID,
		SessionID:     s.sessionID,
		TurnID:        t.ID,
		UserText:      t.UserText,
		AssistantText: t.AssistantText,
		Outcome:       string(t.Outcome),
		StartedAt:     t.StartedAt.UTC(),
		EndedAt:       t.EndedAt.UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("router failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
