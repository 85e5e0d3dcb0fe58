// Package avatar animates the assistant's face while it speaks and hands
// frames to the configured renderers.
package avatar

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTick is the mouth toggle interval.
const DefaultTick = 200 * time.Millisecond

type Mouth int

const (
	Closed Mouth = iota
	Open
)

func (m Mouth) String() string {
	if m == Open {
		return "open"
	}
	return "closed"
}

// Frame is everything a renderer needs to draw the avatar.
type Frame struct {
	Text      string `json:"text"`
	MouthOpen bool   `json:"mouth_open"`
	Speaking  bool   `json:"speaking"`
	State     string `json:"state"`
}

// Renderer draws frames. Render is called from the driver goroutine only and
// should not block for long.
type Renderer interface {
	Render(Frame)
}

// Multi fans a frame out to several renderers.
type Multi []Renderer

func (m Multi) Render(f Frame) {
	for _, r := range m {
		r.Render(f)
	}
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Frame)

func (fn RendererFunc) Render(f Frame) { fn(f) }

// Driver toggles the mouth on a fixed tick while speaking and holds it
// closed otherwise. It only reads the signals pushed to it.
type Driver struct {
	tick     time.Duration
	renderer Renderer
	logger   *slog.Logger
	wake     chan struct{}

	mu       sync.Mutex
	speaking bool
	mouth    Mouth
	text     string
	state    string
}

func NewDriver(tick time.Duration, renderer Renderer, logger *slog.Logger) *Driver {
	if tick <= 0 {
		tick = DefaultTick
	}
	if renderer == nil {
		renderer = Multi(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		tick:     tick,
		renderer: renderer,
		logger:   logger.With(slog.String("component", "avatar")),
		wake:     make(chan struct{}, 1),
	}
}

// Run renders until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.logger.Debug("animation started", slog.Duration("tick", d.tick))
	d.renderer.Render(d.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.advance() {
				d.renderer.Render(d.Snapshot())
			}
		case <-d.wake:
			d.renderer.Render(d.Snapshot())
		}
	}
}

// advance toggles the mouth if speaking and reports whether it changed.
func (d *Driver) advance() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.speaking {
		return false
	}
	if d.mouth == Open {
		d.mouth = Closed
	} else {
		d.mouth = Open
	}
	return true
}

// OnSpeakingChanged starts or stops the animation. Stopping closes the
// mouth immediately.
func (d *Driver) OnSpeakingChanged(speaking bool) {
	d.mu.Lock()
	if d.speaking == speaking {
		d.mu.Unlock()
		return
	}
	d.speaking = speaking
	if speaking {
		d.mouth = Open
	} else {
		d.mouth = Closed
	}
	d.mu.Unlock()
	d.poke()
}

func (d *Driver) SetText(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
	d.poke()
}

func (d *Driver) SetState(state string) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
	d.poke()
}

func (d *Driver) Mouth() Mouth {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mouth
}

func (d *Driver) Snapshot() Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Frame{
		Text:      d.text,
		MouthOpen: d.mouth == Open,
		Speaking:  d.speaking,
		State:     d.state,
	}
}

func (d *Driver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
