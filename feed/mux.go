package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// dropLogEvery throttles saturation warnings to one per this many
// dropped events.
const dropLogEvery = 1000

// Mux is the single bounded sink every tailer writes into. Pushing is
// strictly non-blocking: a full channel drops the event. The channel
// is closed exactly once, after all producers have stopped.
type Mux struct {
	log *slog.Logger

	mu     sync.RWMutex
	events chan Event
	closed bool

	dropped atomic.Uint64
}

// NewMux returns a Mux with the given channel capacity.
func NewMux(capacity int, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mux{
		log:    logger,
		events: make(chan Event, capacity),
	}
}

// Events returns the output channel. It is closed by Close.
func (m *Mux) Events() <-chan Event {
	return m.events
}

// TryPush offers ev to the channel without blocking. It reports
// whether the event was accepted; a full or closed channel drops the
// event.
func (m *Mux) TryPush(ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}

	select {
	case m.events <- ev:
		return true
	default:
		m.noteDrop()

		return false
	}
}

// Ping pushes a keepalive event.
func (m *Mux) Ping() {
	m.TryPush(Event{Type: EventPing})
}

// Dropped returns the number of events discarded because the channel
// was full.
func (m *Mux) Dropped() uint64 {
	return m.dropped.Load()
}

// Close closes the output channel. Safe to call more than once;
// pushes arriving after Close are dropped, not panics.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	close(m.events)
}

func (m *Mux) noteDrop() {
	n := m.dropped.Add(1)

	if n%dropLogEvery == 1 {
		m.log.Warn(
			"feed sink saturated, dropping events",
			"dropped", n,
		)
	}
}
