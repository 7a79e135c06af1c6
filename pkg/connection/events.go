package connection

import (
	"sync"

	"github.com/noex-io/noex.go/pkg/logger"
)

// Event names the lifecycle notifications exposed to application code.
// They are advisory: delivery never blocks protocol processing, and no
// ordering is guaranteed relative to in-flight request completions.
type Event string

const (
	// EventConnected fires after every successful welcome (initial connect
	// and every reconnect). Payload: nil.
	EventConnected Event = "connected"
	// EventDisconnected fires on entering StateDisconnected.
	// Payload: the reason string.
	EventDisconnected Event = "disconnected"
	// EventReconnecting fires before every reconnection attempt.
	// Payload: the 1-based attempt number (int).
	EventReconnecting Event = "reconnecting"
	// EventReconnected fires after a reconnect completed, including session
	// replay and subscription resync. Payload: nil.
	EventReconnected Event = "reconnected"
	// EventError reports protocol errors, failed login and failed
	// reconnection attempts. Payload: the error.
	EventError Event = "error"
	// EventWelcome carries the proto.Welcome of the new physical
	// connection.
	EventWelcome Event = "welcome"
	// EventSessionRevoked carries the server-supplied reason string.
	EventSessionRevoked Event = "session_revoked"
)

// EventHandler receives the event payload documented on each Event.
type EventHandler func(payload any)

// UnsubscribeFunc removes a previously registered handler.
type UnsubscribeFunc func()

// emitter is a registered-handler table, deliberately not a global bus:
// handlers are stored per connection and invoked synchronously, with panics
// contained so a misbehaving handler cannot take down dispatch.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Event]map[int]EventHandler
	logger   logger.Logger
}

func newEmitter(log logger.Logger) *emitter {
	return &emitter{
		handlers: make(map[Event]map[int]EventHandler),
		logger:   log,
	}
}

func (e *emitter) on(event Event, h EventHandler) UnsubscribeFunc {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	m, ok := e.handlers[event]
	if !ok {
		m = make(map[int]EventHandler)
		e.handlers[event] = m
	}
	m[id] = h

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(m, id)
	}
}

func (e *emitter) emit(event Event, payload any) {
	e.mu.Lock()
	snapshot := make([]EventHandler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		snapshot = append(snapshot, h)
	}
	e.mu.Unlock()

	for _, h := range snapshot {
		e.invoke(event, h, payload)
	}
}

func (e *emitter) invoke(event Event, h EventHandler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "event", string(event), "panic", r)
		}
	}()
	h(payload)
}
