package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the version announced in Hello.
const ProtocolVersion uint8 = 1

// Kind identifies the purpose of a message.
type Kind uint8

const (
	// KindHello announces the sender's exposed methods.
	KindHello Kind = 1

	// KindCall invokes a method on the receiver.
	KindCall Kind = 2

	// KindReply answers a Call with the same ID.
	KindReply Kind = 3

	// KindClose announces a graceful end of the stream.
	KindClose Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindCall:
		return "CALL"
	case KindReply:
		return "REPLY"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if k is a known message kind.
func (k Kind) IsValid() bool {
	return k >= KindHello && k <= KindClose
}

// Validation errors.
var (
	ErrInvalidKind    = errors.New("invalid message kind")
	ErrMissingID      = errors.New("missing message id")
	ErrMissingMethod  = errors.New("missing method name")
	ErrMissingVersion = errors.New("missing protocol version")
)

// Message is the single envelope exchanged on the wire.
//
// CBOR encoding:
//
//	{
//	  1: kind,      // uint8
//	  2: id,        // uint32, Call/Reply only
//	  3: method,    // string, Call only
//	  4: methods,   // []string, Hello only
//	  5: payload,   // CBOR bytes, Call args or Reply result
//	  6: error,     // string, failed Reply
//	  7: version    // uint8, Hello only
//	}
type Message struct {
	Kind    Kind            `cbor:"1,keyasint"`
	ID      uint32          `cbor:"2,keyasint,omitempty"`
	Method  string          `cbor:"3,keyasint,omitempty"`
	Methods []string        `cbor:"4,keyasint,omitempty"`
	Payload cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	Error   string          `cbor:"6,keyasint,omitempty"`
	Version uint8           `cbor:"7,keyasint,omitempty"`
}

// Validate checks if the message is well formed for its kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindHello:
		if m.Version == 0 {
			return ErrMissingVersion
		}
	case KindCall:
		if m.ID == 0 {
			return ErrMissingID
		}
		if m.Method == "" {
			return ErrMissingMethod
		}
	case KindReply:
		if m.ID == 0 {
			return ErrMissingID
		}
	case KindClose:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidKind, m.Kind)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
// An absent payload leaves v untouched.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || v == nil {
		return nil
	}
	return Unmarshal(m.Payload, v)
}

// NewHello builds the handshake message for the given method set.
func NewHello(methods []string) *Message {
	return &Message{
		Kind:    KindHello,
		Methods: methods,
		Version: ProtocolVersion,
	}
}

// NewCall builds a call message, encoding args as the payload.
func NewCall(id uint32, method string, args any) (*Message, error) {
	msg := &Message{Kind: KindCall, ID: id, Method: method}
	if args != nil {
		payload, err := Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args for %s: %w", method, err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// NewReply builds a reply message. A non-nil callErr is carried as text and
// result is ignored.
func NewReply(id uint32, result any, callErr error) (*Message, error) {
	msg := &Message{Kind: KindReply, ID: id}
	if callErr != nil {
		msg.Error = callErr.Error()
		return msg, nil
	}
	if result != nil {
		payload, err := Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// NewClose builds a close message.
func NewClose() *Message {
	return &Message{Kind: KindClose}
}
