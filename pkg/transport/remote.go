package transport

import (
	"context"
	"fmt"
)

// Remote is the peer side of a Conn as announced in its Hello.
type Remote struct {
	conn    *Conn
	names   []string
	methods map[string]struct{}
}

func newRemote(conn *Conn, names []string) *Remote {
	r := &Remote{
		conn:    conn,
		names:   append([]string(nil), names...),
		methods: make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		r.methods[name] = struct{}{}
	}
	return r
}

// Has reports whether the peer exposes method.
func (r *Remote) Has(method string) bool {
	_, ok := r.methods[method]
	return ok
}

// Methods returns the peer's method names.
func (r *Remote) Methods() []string {
	return append([]string(nil), r.names...)
}

// Conn returns the connection this remote belongs to.
func (r *Remote) Conn() *Conn {
	return r.conn
}

// Call invokes method on the peer with args and decodes the result into
// reply (which may be nil). It returns ErrUnknownMethod without touching the
// stream when the peer did not announce method, a *RemoteError when the
// peer's method failed, and ErrConnectionClosed when the connection ends
// first.
func (r *Remote) Call(ctx context.Context, method string, args, reply any) error {
	if !r.Has(method) {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return r.conn.call(ctx, method, args, reply)
}

// Ping calls the peer's ping method.
func (r *Remote) Ping(ctx context.Context) error {
	return r.Call(ctx, PingMethod, nil, nil)
}
