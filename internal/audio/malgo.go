package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// MalgoSource captures through miniaudio.
type MalgoSource struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	sampleRate   int

	mu      sync.Mutex
	onFrame func([]byte)
}

func NewMalgoSource(cfg config.CaptureConfig) (*MalgoSource, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * cfg.Channels

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.PeriodSizeInFrames = uint32(cfg.SampleRate * cfg.FrameDurationMS / 1000)

	s := &MalgoSource{audioContext: audioCtx, sampleRate: cfg.SampleRate}
	s.device, err = malgo.InitDevice(audioCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			s.mu.Lock()
			fn := s.onFrame
			s.mu.Unlock()
			if fn != nil {
				fn(pInput[:n])
			}
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	return s, nil
}

func (s *MalgoSource) SampleRate() int { return s.sampleRate }

func (s *MalgoSource) Start(onFrame func([]byte)) error {
	s.mu.Lock()
	s.onFrame = onFrame
	s.mu.Unlock()
	if s.device.IsStarted() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	s.onFrame = nil
	s.mu.Unlock()
	if !s.device.IsStarted() {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

func (s *MalgoSource) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioContext != nil {
		_ = s.audioContext.Uninit()
		s.audioContext.Free()
		s.audioContext = nil
	}
	return nil
}
