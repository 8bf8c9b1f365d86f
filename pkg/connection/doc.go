// Package connection provides the reconnecting client side of an upnode
// overlay.
//
// An Overlay dials a stream, runs the RPC transport handshake on it and
// reports the peer as up. When the stream ends for any reason the overlay
// reports down (if the handshake had completed) and schedules a new attempt
// after the reconnect policy's delay. This repeats until Close.
//
// # Lifecycle
//
//	DISCONNECTED ──> CONNECTING ──> UP
//	      ^              │           │
//	      └──────────────┴───────────┘   stream ended, reconnect pending
//
//	any state ──Close──> CLOSED
//
// # Queued invocations
//
// Invoke runs a function with the remote. While the overlay is not up the
// function is queued. On the next handshake the queue runs in the order
// calls were made, before the up event fires. Each entry runs exactly once:
// on flush, on its own timeout, or on Close.
//
// # Heartbeats
//
// With Options.Ping set, the remote's ping method is called every interval.
// A ping that is not answered within Options.Timeout (DefaultTimeout when
// unset) destroys the stream, which then takes the normal reconnect path.
//
// # Reconnect policy
//
// The default policy waits Options.Reconnect between attempts and never
// gives up. Backoff provides exponential delays with jitter:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Reset to 1s after a successful handshake
//
// Options.MaxAttempts closes the overlay after that many consecutive
// attempts end without a handshake.
package connection
