package speech

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAlreadySubscribed = errors.New("speech bus already has a subscriber")
	ErrBusClosed         = errors.New("speech bus closed")
)

// Bus delivers speech events to exactly one subscriber. Events published
// before Subscribe is called are buffered. Observers see every buffered event
// but do not consume it.
type Bus struct {
	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	subscribed bool
	closed     bool
	observers  []func(Event)
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Subscribe returns the event stream. The channel is never closed; readers
// should also watch their own context.
func (b *Bus) Subscribe() (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subscribed {
		return nil, ErrAlreadySubscribed
	}
	b.subscribed = true
	return b.events, nil
}

// Observe registers a non-consuming callback, invoked synchronously once an
// event has been buffered for the subscriber.
func (b *Bus) Observe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Publish blocks until the event is buffered, the bus closes or ctx ends.
// Observers only see events that were buffered.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	observers := append([]func(Event){}, b.observers...)
	b.mu.Unlock()

	select {
	case b.events <- evt:
	default:
		select {
		case b.events <- evt:
		case <-b.done:
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, fn := range observers {
		fn(evt)
	}
	return nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
