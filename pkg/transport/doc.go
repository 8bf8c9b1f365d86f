// Package transport provides the bidirectional RPC layer that upnode
// overlays run on.
//
// The transport layer handles:
//   - Length-prefixed message framing over any duplex stream
//   - A capability handshake announcing each side's exposed methods
//   - Concurrent calls in both directions, correlated by message ID
//   - Graceful close and forced destroy
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│  Hello / Call / Reply / Close  │
//	├────────────────────────────────┤
//	│      CBOR (integer keys)       │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│  TCP, Unix socket, WebSocket   │
//	└────────────────────────────────┘
//
// # Lifecycle
//
// A Conn sends Hello as soon as it starts. When the peer's Hello arrives
// the OnRemote callback receives a Remote that can call the peer's methods.
// When the stream ends for any reason, pending calls fail with
// ErrConnectionClosed and OnClose fires exactly once.
//
// A Handle is a Conn behind an in-memory pipe. It behaves like a stream, so
// it can be piped to a socket the way a server does for each accepted
// connection.
package transport
