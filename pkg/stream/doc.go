// Package stream provides the duplex byte streams upnode overlays run on.
//
// A Dialer opens a fresh stream for every connection attempt. TCP and Unix
// sockets are used as-is; WebSocket connections are adapted to a byte
// stream carrying one binary message per write.
package stream
