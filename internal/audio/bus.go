package audio

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes AudioFrame messages streamed by a remote microphone.
type BusSource struct {
	conn       *nats.Conn
	subject    string
	sampleRate int
	logger     *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusSource(conn *nats.Conn, subject string, sampleRate int, logger *slog.Logger) *BusSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusSource{
		conn:       conn,
		subject:    subject,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "audio-bus"), slog.String("subject", subject)),
	}
}

func (s *BusSource) Start(onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.SampleRate != 0 && frame.SampleRate != s.sampleRate {
			s.logger.Warn("dropping audio frame with unexpected sample rate", slog.Int("sample_rate", frame.SampleRate))
			return
		}
		if frame.Channels > 1 {
			s.logger.Warn("dropping multi-channel audio frame", slog.Int("channels", frame.Channels))
			return
		}
		if len(frame.PCM) > 0 {
			onFrame(frame.PCM)
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *BusSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

func (s *BusSource) Close() error { return s.Stop() }

func (s *BusSource) SampleRate() int { return s.sampleRate }
