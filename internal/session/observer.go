package session

import (
	"time"

	"github.com/loqalabs/loqa-caption/internal/protocol"
)

// Record is one event as delivered to the listener.
type Record struct {
	SessionID string
	Sequence  uint64
	At        time.Time
	Event     protocol.Event
}

// Observer sees every delivered event, in delivery order, on the delivery
// goroutine. Implementations must not call back into the controller.
type Observer interface {
	Observe(rec Record)
}

// SessionObserver is implemented by observers that track session lifetimes.
type SessionObserver interface {
	SessionStarted(id string, at time.Time)
	SessionEnded(id string, state State, at time.Time)
}
