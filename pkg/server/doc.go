// Package server accepts upnode streams and serves one RPC handle per
// stream.
//
// A Listener opens a TCP address or Unix socket, or takes streams from
// elsewhere through Serve. Every handle joins the listener's Roster when its
// stream arrives and leaves it once, when the stream ends. Close stops
// accepting; End also destroys every live handle.
package server
