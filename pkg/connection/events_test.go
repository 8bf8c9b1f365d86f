package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOnAndUnsubscribe(t *testing.T) {
	var e emitter
	var got []EventType

	off := e.add(EventUp, func(ev Event) { got = append(got, ev.Type) }, false)
	e.emit(Event{Type: EventUp})
	e.emit(Event{Type: EventDown})
	e.emit(Event{Type: EventUp})
	off()
	e.emit(Event{Type: EventUp})

	assert.Equal(t, []EventType{EventUp, EventUp}, got)
}

func TestEmitterOnce(t *testing.T) {
	var e emitter
	count := 0
	e.add(EventClose, func(Event) { count++ }, true)

	e.emit(Event{Type: EventClose})
	e.emit(Event{Type: EventClose})

	assert.Equal(t, 1, count)
}

func TestEmitterListenerMaySubscribe(t *testing.T) {
	var e emitter
	inner := 0
	e.add(EventPing, func(Event) {
		e.add(EventPing, func(Event) { inner++ }, false)
	}, true)

	e.emit(Event{Type: EventPing})
	assert.Equal(t, 0, inner, "listener added during emit must not see that event")

	e.emit(Event{Type: EventPing})
	assert.Equal(t, 1, inner)
}

func TestEmitterOrder(t *testing.T) {
	var e emitter
	var order []int
	for i := 1; i <= 3; i++ {
		e.add(EventDown, func(Event) { order = append(order, i) }, false)
	}
	e.emit(Event{Type: EventDown})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEventTypeString(t *testing.T) {
	tests := map[EventType]string{
		EventUp:        "up",
		EventDown:      "down",
		EventReconnect: "reconnect",
		EventPing:      "ping",
		EventError:     "error",
		EventRemote:    "remote",
		EventClose:     "close",
		EventType(99):  "unknown",
	}
	for typ, want := range tests {
		assert.Equal(t, want, typ.String())
	}
}
