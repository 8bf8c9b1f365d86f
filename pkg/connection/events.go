package connection

import (
	"sync"
	"time"

	"github.com/upnode/upnode-go/pkg/transport"
)

// EventType identifies an overlay event.
type EventType uint8

const (
	// EventUp fires after a handshake once queued invocations are flushed.
	EventUp EventType = iota
	// EventDown fires when a connection that completed its handshake ends.
	EventDown
	// EventReconnect fires just before a new connection attempt.
	EventReconnect
	// EventPing fires with the round trip of each answered heartbeat.
	EventPing
	// EventError fires for transport, heartbeat and policy errors.
	EventError
	// EventRemote fires on handshake, before Block and EventUp.
	EventRemote
	// EventClose fires once when the overlay is closed.
	EventClose
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventReconnect:
		return "reconnect"
	case EventPing:
		return "ping"
	case EventError:
		return "error"
	case EventRemote:
		return "remote"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	Remote  *transport.Remote
	Conn    *transport.Conn
	Latency time.Duration
	Err     error
}

// Listener receives overlay events. Listeners run synchronously on the
// goroutine that caused the event, never under the overlay's lock.
type Listener func(Event)

type subscription struct {
	id   uint64
	fn   Listener
	once bool
}

type emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventType][]*subscription
}

func (e *emitter) add(t EventType, fn Listener, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[EventType][]*subscription)
	}
	e.nextID++
	sub := &subscription{id: e.nextID, fn: fn, once: once}
	e.listeners[t] = append(e.listeners[t], sub)

	return func() { e.remove(t, sub.id) }
}

func (e *emitter) remove(t EventType, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.listeners[t]
	for i, s := range subs {
		if s.id == id {
			e.listeners[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	subs := e.listeners[ev.Type]
	if len(subs) == 0 {
		e.mu.Unlock()
		return
	}
	fire := append([]*subscription(nil), subs...)
	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.listeners[ev.Type] = kept
	e.mu.Unlock()

	for _, s := range fire {
		s.fn(ev)
	}
}
