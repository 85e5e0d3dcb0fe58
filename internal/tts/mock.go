package tts

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockEngine pretends to speak for as long as the text would take at the
// configured rate.
type MockEngine struct {
	voice Voice
	// Scale shortens or stretches the simulated duration; 1 is real time.
	Scale float64

	mu   sync.Mutex
	stop chan struct{}
}

func NewMockEngine(voice Voice) *MockEngine {
	return &MockEngine{voice: voice, Scale: 1}
}

// Duration estimates how long text takes to speak.
func (m *MockEngine) Duration(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	rate := m.voice.Rate
	if rate <= 0 {
		rate = 150
	}
	d := time.Duration(float64(words) / float64(rate) * float64(time.Minute))
	return time.Duration(float64(d) * m.Scale)
}

func (m *MockEngine) Say(ctx context.Context, text string) error {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.stop == stop {
			m.stop = nil
		}
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.Duration(text))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockEngine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	return nil
}
