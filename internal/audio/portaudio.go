package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// PortAudioSource captures through the default PortAudio input stream.
type PortAudioSource struct {
	stream     *portaudio.Stream
	in         []int16
	sampleRate int

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewPortAudioSource(cfg config.CaptureConfig) (*PortAudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("init portaudio: %w", err)
	}
	in := make([]int16, cfg.SampleRate*cfg.FrameDurationMS/1000)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(in), in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open portaudio stream: %w", err)
	}
	return &PortAudioSource{stream: stream, in: in, sampleRate: cfg.SampleRate}, nil
}

func (s *PortAudioSource) SampleRate() int { return s.sampleRate }

func (s *PortAudioSource) Start(onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start portaudio stream: %w", err)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.read(s.stop, s.done, onFrame)
	return nil
}

func (s *PortAudioSource) read(stop, done chan struct{}, onFrame func([]byte)) {
	defer close(done)
	buf := make([]byte, len(s.in)*2)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			// Input overflow drops a buffer; keep reading.
			continue
		}
		for i, v := range s.in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		}
		onFrame(buf)
	}
}

func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop portaudio stream: %w", err)
	}
	return nil
}

func (s *PortAudioSource) Close() error {
	_ = s.Stop()
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
