package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the physical connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether the local side dialed or accepted.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address, when the stream has one.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Attempt is the overlay connection attempt number (client side).
	Attempt uint32 `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // RPC layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Overlay/connection/listener state
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"` // Heartbeat and close
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerRPC is the message layer (decoded CBOR).
	LayerRPC Layer = 1
	// LayerOverlay is the reconnecting supervisor and the server roster.
	LayerOverlay Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerRPC:
		return "RPC"
	case LayerOverlay:
		return "OVERLAY"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates an RPC message (hello/call/reply).
	CategoryMessage Category = 0
	// CategoryControl indicates heartbeat or close traffic.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which side of the overlay produced the event.
type Role uint8

const (
	// RoleClient is the dialing, reconnecting side.
	RoleClient Role = 0
	// RoleServer is the accepting side.
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded RPC message.
type MessageEvent struct {
	// Kind is the wire message kind name (HELLO, CALL, REPLY, CLOSE).
	Kind string `cbor:"1,keyasint"`

	// MessageID correlates calls and replies (0 for hello/close).
	MessageID uint32 `cbor:"2,keyasint,omitempty"`

	// Method is the invoked method for calls.
	Method string `cbor:"3,keyasint,omitempty"`

	// Methods is the advertised method set for hello.
	Methods []string `cbor:"4,keyasint,omitempty"`

	// Error is the failure text carried by a reply.
	Error string `cbor:"5,keyasint,omitempty"`

	// Latency is the round trip for replies to locally issued calls.
	Latency *time.Duration `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures overlay, connection and listener lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a physical connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityOverlay indicates a supervisor state change.
	StateEntityOverlay StateEntity = 1
	// StateEntityListener indicates a server listener state change.
	StateEntityListener StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityOverlay:
		return "OVERLAY"
	case StateEntityListener:
		return "LISTENER"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures heartbeat and close traffic.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Latency is the ping round trip (pong only).
	Latency *time.Duration `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates a heartbeat ping was sent.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates a heartbeat ping was answered.
	ControlMsgPong ControlMsgType = 1
	// ControlMsgClose indicates a close message.
	ControlMsgClose ControlMsgType = 2
	// ControlMsgTimeout indicates a heartbeat watchdog fired.
	ControlMsgTimeout ControlMsgType = 3
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	case ControlMsgTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
