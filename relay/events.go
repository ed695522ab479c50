package relay

import "time"

// EventType identifies a manager notification.
type EventType uint8

const (
	// EventStateChanged fires when a relay's connection state changes.
	EventStateChanged EventType = iota
	// EventActiveRelayChanged fires when the active relay is set or cleared.
	EventActiveRelayChanged
	// EventErrorRecorded fires when an error enters the error logs.
	EventErrorRecorded
	// EventHealthChanged fires when a health probe or snapshot moves a score.
	EventHealthChanged
)

// Event is delivered to subscribers after the manager releases its lock.
type Event struct {
	Type        EventType
	RelayID     string
	State       ConnectionState
	HealthScore float64
	Err         *Error
	Timestamp   time.Time
}

// Subscribe registers fn for every future event. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

// queueLocked records an event for delivery; m.mu must be held.
func (m *Manager) queueLocked(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.timeProvider.Now()
	}
	m.pending = append(m.pending, ev)
}

// flush delivers queued events. It must be called without m.mu held.
func (m *Manager) flush() {
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}

	m.listenersMu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
