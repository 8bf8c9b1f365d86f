package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ErrAlreadyPiped is returned when a Handle is piped twice.
var ErrAlreadyPiped = errors.New("handle already piped")

// Handle is a Conn behind an in-memory pipe, usable as a byte stream.
// Bytes written to the Handle are protocol input; bytes read from it are
// protocol output. Pipe connects both directions to a real stream.
//
// The handshake timeout of cfg starts at Pipe, not at creation, so a handle
// may wait any length of time for its stream.
type Handle struct {
	conn      *Conn
	outer     net.Conn
	handshake time.Duration

	mu    sync.Mutex
	piped bool
}

// NewHandle creates a started Handle.
func NewHandle(cfg Config) *Handle {
	inner, outer := net.Pipe()
	h := &Handle{outer: outer, handshake: cfg.HandshakeTimeout}
	cfg.HandshakeTimeout = 0
	h.conn = New(inner, cfg)
	h.conn.Start()
	go func() {
		<-h.conn.Done()
		outer.Close()
	}()
	return h
}

// Conn returns the underlying connection.
func (h *Handle) Conn() *Conn {
	return h.conn
}

// ID returns the connection identifier.
func (h *Handle) ID() string {
	return h.conn.ID()
}

// Read reads protocol output.
func (h *Handle) Read(p []byte) (int, error) {
	return h.outer.Read(p)
}

// Write feeds protocol input.
func (h *Handle) Write(p []byte) (int, error) {
	return h.outer.Write(p)
}

// Close is End.
func (h *Handle) Close() error {
	return h.End()
}

// End closes the connection gracefully.
func (h *Handle) End() error {
	return h.conn.Close()
}

// Destroy closes the connection and the pipe immediately.
func (h *Handle) Destroy() {
	h.conn.Destroy()
	h.outer.Close()
}

// Done is closed once the connection has fully ended.
func (h *Handle) Done() <-chan struct{} {
	return h.conn.Done()
}

// Pipe copies protocol output to rw and rw's input to the protocol until
// either side ends, then closes both. Piping a handle that has already
// ended fails with ErrConnectionClosed.
func (h *Handle) Pipe(rw io.ReadWriteCloser) error {
	h.mu.Lock()
	if h.piped {
		h.mu.Unlock()
		return ErrAlreadyPiped
	}
	if h.conn.Closed() {
		h.mu.Unlock()
		return ErrConnectionClosed
	}
	h.piped = true
	h.mu.Unlock()

	h.conn.armHandshake(h.handshake)

	if a, ok := rw.(interface{ RemoteAddr() net.Addr }); ok && a.RemoteAddr() != nil {
		h.conn.setRemoteAddr(a.RemoteAddr().String())
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			rw.Close()
			h.outer.Close()
		})
	}
	go func() {
		io.Copy(rw, h.outer)
		stop()
	}()
	go func() {
		io.Copy(h.outer, rw)
		stop()
	}()
	return nil
}

var _ io.ReadWriteCloser = (*Handle)(nil)
