// Package audio captures microphone PCM and cuts it into phrases.
package audio

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Source streams signed 16-bit little-endian mono PCM. onFrame runs on the
// driver's thread and must not block; the slice is only valid during the call.
type Source interface {
	Start(onFrame func(pcm []byte)) error
	Stop() error
	Close() error
	SampleRate() int
}

// OpenSource selects a capture backend by cfg.Source. busClient is only
// consulted for the bus source.
func OpenSource(cfg config.CaptureConfig, busClient *bus.Client, nodeID string) (Source, error) {
	switch cfg.Source {
	case "", "malgo":
		return NewMalgoSource(cfg)
	case "portaudio":
		return NewPortAudioSource(cfg)
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus capture source requires a NATS connection")
		}
		return NewBusSource(busClient.Conn(), protocol.AudioFrameSubject(nodeID), cfg.SampleRate, busClient.Logger()), nil
	default:
		return nil, fmt.Errorf("unsupported capture source %q", cfg.Source)
	}
}
