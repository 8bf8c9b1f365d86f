package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/stream"
	"github.com/upnode/upnode-go/pkg/transport"
)

// Server errors.
var (
	// ErrNoAddress is returned by Listen when neither a port nor a path is given.
	ErrNoAddress = stream.ErrNoAddress

	// ErrListenerClosed is returned by Serve after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// Options configures a Listener.
type Options struct {
	// Host and Port select a TCP address. Port 0 with a host picks a free port.
	Host string
	Port int

	// Path selects a Unix socket and takes precedence over Port.
	Path string

	// MaxMessageSize is the transport frame limit (default: 64KB).
	MaxMessageSize uint32

	// HandshakeTimeout bounds the wait for a client's Hello.
	HandshakeTimeout time.Duration

	// Logger receives the protocol trace (optional).
	Logger log.Logger

	// Slog is the operational logger (default: slog.Default()).
	Slog *slog.Logger

	// OnConnect is called for each new handle, after it joined the roster.
	OnConnect func(h *transport.Handle)

	// OnRemote is called when a client's handshake completes.
	OnRemote func(h *transport.Handle, remote *transport.Remote)

	// OnDisconnect is called once a handle has left the roster.
	OnDisconnect func(h *transport.Handle)

	// OnError is called for accept failures and transport errors.
	OnError func(err error)
}

// DefaultOptions returns the default listener options, without an address.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize:   transport.DefaultMaxMessageSize,
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
	}
}

// Listener accepts streams and runs one transport handle per stream.
// Unlike the client side it never reconnects; a handle lives exactly as long
// as its stream.
type Listener struct {
	id     string
	cons   transport.Constructor
	opts   Options
	slog   *slog.Logger
	logger log.Logger
	roster *Roster

	ln net.Listener

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a listener without a network socket. Streams are handed to
// it with Serve, for example from a websocket handler.
func New(cons transport.Constructor, opts Options) *Listener {
	if opts.Slog == nil {
		opts.Slog = slog.Default()
	}
	l := &Listener{
		id:     uuid.New().String(),
		cons:   cons,
		opts:   opts,
		logger: log.OrNoop(opts.Logger),
		roster: NewRoster(),
	}
	l.slog = opts.Slog.With("listener_id", l.id)
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Listen opens the address in opts and starts accepting. It fails with
// ErrNoAddress, before touching the network, when no address is given.
// Cancelling ctx closes the listener.
func Listen(ctx context.Context, cons transport.Constructor, opts Options) (*Listener, error) {
	if opts.Path == "" && opts.Port == 0 && opts.Host == "" {
		return nil, ErrNoAddress
	}
	ln, err := stream.Listen(ctx, opts.Host, opts.Port, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	l := New(cons, opts)
	l.ln = ln
	l.trace("", "LISTENING", ln.Addr().String())
	l.slog.Info("listening", "addr", ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop()

	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.ctx.Done():
		}
	}()
	return l, nil
}

// Addr returns the listen address, or nil for a listener made with New.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Roster returns the live handles.
func (l *Listener) Roster() *Roster {
	return l.roster
}

// ConnectionCount returns the number of live handles.
func (l *Listener) ConnectionCount() int {
	return l.roster.Len()
}

// Closed reports whether Close has been called.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting new streams. Live handles are left running; use End
// to tear them down. Close is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	var err error
	if l.ln != nil {
		err = l.ln.Close()
		l.wg.Wait()
	}
	l.trace("LISTENING", "CLOSED", "")
	l.slog.Info("listener closed", "live", l.roster.Len())
	return err
}

// End closes the listener and destroys every live handle.
func (l *Listener) End() {
	l.Close()
	if n := l.roster.DestroyAll(); n > 0 {
		l.slog.Info("destroyed live connections", "count", n)
	}
}

// Shutdown closes the listener and ends every live handle gracefully, so
// peers see a close message instead of a dropped stream.
func (l *Listener) Shutdown() error {
	closeErr := l.Close()
	n, endErr := l.roster.EndAll()
	if n > 0 {
		l.slog.Info("ended live connections", "count", n)
	}
	return errors.Join(closeErr, endErr)
}

// Serve runs a new handle on rw. The handle joins the roster and leaves it
// exactly once when its stream ends.
func (l *Listener) Serve(rw io.ReadWriteCloser) (*transport.Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		rw.Close()
		return nil, ErrListenerClosed
	}
	l.mu.Unlock()

	var h *transport.Handle
	ready := make(chan struct{})
	cfg := transport.Config{
		Constructor:      l.cons,
		Role:             log.RoleServer,
		MaxMessageSize:   l.opts.MaxMessageSize,
		HandshakeTimeout: l.opts.HandshakeTimeout,
		Logger:           l.opts.Logger,
		Slog:             l.slog,
		OnError: func(err error) {
			if l.opts.OnError != nil {
				l.opts.OnError(err)
			}
		},
	}
	if l.opts.OnRemote != nil {
		cfg.OnRemote = func(r *transport.Remote) {
			<-ready
			l.opts.OnRemote(h, r)
		}
	}
	h = transport.NewHandle(cfg)
	close(ready)

	l.roster.Add(h)
	if l.opts.OnConnect != nil {
		l.opts.OnConnect(h)
	}
	go func() {
		<-h.Done()
		if l.roster.Remove(h) {
			l.slog.Debug("connection done", "conn_id", h.ID())
			if l.opts.OnDisconnect != nil {
				l.opts.OnDisconnect(h)
			}
		}
	}()

	if err := h.Pipe(rw); err != nil {
		h.Destroy()
		return nil, err
	}
	return h, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		rw, err := l.ln.Accept()
		if err != nil {
			if l.Closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.slog.Warn("accept failed", "error", err)
			if l.opts.OnError != nil {
				l.opts.OnError(fmt.Errorf("accept: %w", err))
			}
			continue
		}

		h, err := l.Serve(rw)
		if err != nil {
			continue
		}
		l.slog.Debug("accepted", "conn_id", h.ID(), "remote_addr", rw.RemoteAddr().String())
	}
}

func (l *Listener) trace(oldState, newState, reason string) {
	l.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: l.id,
		Layer:        log.LayerOverlay,
		Category:     log.CategoryState,
		LocalRole:    log.RoleServer,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityListener,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}
