package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/transport"
)

// attempt is one physical connection of an Overlay, from dial to teardown.
type attempt struct {
	n      uint32
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Overlay.mu.
	conn  *transport.Conn
	hb    *Heartbeat
	up    bool
	ended bool
}

// establish dials the stream for a and starts the transport on it.
func (o *Overlay) establish(a *attempt) {
	start := time.Now()
	rw, err := o.opts.dialer()(a.ctx)
	if err != nil {
		o.slog.Debug("dial failed", "attempt", a.n, "error", err)
		o.traceError(a.n, fmt.Errorf("dial: %w", err))
		o.attemptEnded(a, err)
		return
	}
	o.slog.Debug("stream open", "attempt", a.n, "elapsed", time.Since(start))

	conn := transport.New(rw, transport.Config{
		Constructor:      o.cons,
		Role:             log.RoleClient,
		MaxMessageSize:   o.opts.MaxMessageSize,
		HandshakeTimeout: o.opts.HandshakeTimeout,
		Logger:           o.opts.Logger,
		Slog:             o.slog,
		OnRemote:         func(r *transport.Remote) { o.remoteReady(a, r) },
		OnError: func(err error) {
			o.emit(Event{Type: EventError, Err: fmt.Errorf("transport: %w", err)})
		},
		OnClose: func(cause error) { o.attemptEnded(a, cause) },
	})

	o.mu.Lock()
	if o.closed || a.ended {
		o.mu.Unlock()
		rw.Close()
		return
	}
	a.conn = conn
	o.mu.Unlock()

	conn.Start()
}

// remoteReady runs when the transport handshake of a completes.
func (o *Overlay) remoteReady(a *attempt, r *transport.Remote) {
	o.mu.Lock()
	if a.ended || o.current != a || o.closed {
		o.mu.Unlock()
		return
	}
	a.up = true
	o.remote = r
	o.conn = r.Conn()
	o.failures = 0
	o.mu.Unlock()

	o.policy.Reset()
	o.slog.Info("remote ready", "attempt", a.n, "conn_id", r.Conn().ID(), "methods", r.Methods())
	o.emit(Event{Type: EventRemote, Remote: r, Conn: r.Conn()})

	if o.opts.Ping > 0 {
		if !r.Has(transport.PingMethod) {
			o.emit(Event{Type: EventError, Err: ErrRemoteNoPing})
		} else {
			o.startHeartbeat(a, r)
		}
	}

	if o.opts.Block != nil {
		o.opts.Block(r, r.Conn())
	}
	o.goUp(a, r)
}

func (o *Overlay) startHeartbeat(a *attempt, r *transport.Remote) {
	conn := r.Conn()
	hb := NewHeartbeat(o.opts.Ping, o.opts.heartbeatTimeout(),
		func(ctx context.Context) error {
			o.traceControl(a.n, conn, log.DirectionOut, log.ControlMsgPing, nil)
			return r.Ping(ctx)
		},
		func(latency time.Duration) {
			o.traceControl(a.n, conn, log.DirectionIn, log.ControlMsgPong, &latency)
			o.emit(Event{Type: EventPing, Latency: latency})
		},
		func() {
			o.traceControl(a.n, conn, log.DirectionIn, log.ControlMsgTimeout, nil)
			o.slog.Warn("heartbeat timed out", "attempt", a.n, "timeout", o.opts.heartbeatTimeout())
			o.emit(Event{Type: EventError, Err: ErrLivenessTimeout})
			conn.Destroy()
		})

	o.mu.Lock()
	if a.ended {
		o.mu.Unlock()
		return
	}
	a.hb = hb
	o.mu.Unlock()
	hb.Start()
}

// attemptEnded is the single teardown path for a: dial failure, stream end,
// transport error and heartbeat timeout all arrive here.
func (o *Overlay) attemptEnded(a *attempt, cause error) {
	o.mu.Lock()
	if a.ended {
		o.mu.Unlock()
		return
	}
	a.ended = true
	a.cancel()
	hb, conn, wasUp := a.hb, a.conn, a.up

	current := o.current == a
	if current {
		o.remote = nil
		o.conn = nil
		o.flushing = false
		o.current = nil
	}
	reconnect := current && !o.closed
	var old State
	if reconnect {
		old = o.setState(StateDisconnected)
		if !wasUp {
			o.failures++
		}
	}
	o.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		conn.Destroy()
	}
	if !reconnect {
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	o.traceState(a.n, old, StateDisconnected, reason)
	if wasUp {
		o.slog.Info("remote down", "attempt", a.n, "reason", reason)
		o.emit(Event{Type: EventDown, Err: cause})
	}
	o.scheduleReconnect()
}
