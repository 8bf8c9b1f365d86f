// Package wire defines the CBOR wire format of the upnode RPC transport.
//
// Every frame on the stream carries exactly one Message. Messages use CBOR
// (RFC 8949) with integer keys for compactness.
//
// # Message Kinds
//
//   - Hello: first message in each direction; lists the methods the sender
//     exposes (capability negotiation)
//   - Call: invoke a named method on the peer with a CBOR payload
//   - Reply: result (or error text) for a Call, matched by ID
//   - Close: graceful end; the receiver tears the stream down
//
// # Capability Negotiation
//
// The method list in Hello is the structural contract between peers. A peer
// that wants to monitor liveness checks the list for "ping" once at
// handshake time instead of probing at call time.
package wire
