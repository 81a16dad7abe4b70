// Package eventbus delivers pipeline events to a single listener in publish order.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-caption/internal/protocol"
)

// ErrClosed is returned by Sync when the bus closed before the awaited events
// were delivered.
var ErrClosed = errors.New("eventbus: closed")

// Bus decouples event producers from the listener. Publish appends to an
// unbounded pending list and returns; one goroutine drains it.
type Bus struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []protocol.Event
	sub     func(protocol.Event)
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	published uint64
	delivered uint64
	progress  chan struct{}
}

func New(logger *slog.Logger) *Bus {
	b := &Bus{
		log:  logger.With(slog.String("component", "eventbus")),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		progress: make(chan struct{}),
	}
	go b.deliver()
	return b
}

// Publish enqueues an event without waiting for delivery. Events published
// with no subscriber attached, or after Close, are discarded.
func (b *Bus) Publish(evt protocol.Event) {
	b.mu.Lock()
	if b.closed || b.sub == nil {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, evt)
	b.published++
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.mu.Unlock()
}

// Subscribe attaches the listener, replacing any previous one. A nil fn detaches.
func (b *Bus) Subscribe(fn func(protocol.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sub = fn
}

// Close stops delivery and waits for the delivery goroutine. Pending events are
// dropped; an event already being delivered completes first. Close must not be
// called from inside the listener.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.pending = nil
	close(b.wake)
	b.advanceLocked()
	b.mu.Unlock()

	<-b.done
}

// Sync waits until every event published before the call has been handed to
// the listener. It must not be called from inside the listener.
func (b *Bus) Sync(ctx context.Context) error {
	b.mu.Lock()
	target := b.published
	for b.delivered < target {
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		progress := b.progress
		b.mu.Unlock()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	b.mu.Unlock()
	return nil
}

// advanceLocked wakes Sync callers.
func (b *Bus) advanceLocked() {
	close(b.progress)
	b.progress = make(chan struct{})
}

func (b *Bus) deliver() {
	defer close(b.done)
	for range b.wake {
		for {
			b.mu.Lock()
			if b.closed || len(b.pending) == 0 {
				b.mu.Unlock()
				break
			}
			evt := b.pending[0]
			b.pending[0] = nil
			b.pending = b.pending[1:]
			fn := b.sub
			b.mu.Unlock()

			if fn != nil {
				b.dispatch(fn, evt)
			}

			b.mu.Lock()
			b.delivered++
			b.advanceLocked()
			b.mu.Unlock()
		}
	}
}

func (b *Bus) dispatch(fn func(protocol.Event), evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panicked", slog.Any("panic", r))
		}
	}()
	fn(evt)
}
