package overlay

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/upnode/upnode-go/pkg/connection"
	"github.com/upnode/upnode-go/pkg/server"
	"github.com/upnode/upnode-go/pkg/transport"
)

// Node is a top-level upnode instance. It owns every overlay created with
// Connect and every listener created with Listen, all exposing the methods
// built by its constructor.
//
// A Node is also usable as a stream before any connection exists: the
// first Read, Write, Pipe, End or Destroy creates one transport handle and
// all later stream calls go to it.
type Node struct {
	cons transport.Constructor
	slog *slog.Logger

	mu        sync.Mutex
	handle    *transport.Handle
	remote    *transport.Remote
	onRemote  []func(*transport.Remote)
	listeners []*server.Listener
	overlays  []*connection.Overlay
	closed    bool
}

// New creates a node exposing the methods built by cons. A nil cons exposes
// only ping.
func New(cons transport.Constructor) *Node {
	return &Node{cons: cons, slog: slog.Default()}
}

// WithSlog sets the logger used by the node's stream handle and returns n.
func (n *Node) WithSlog(logger *slog.Logger) *Node {
	if logger != nil {
		n.slog = logger
	}
	return n
}

// Connect starts a reconnecting overlay with opts and tracks it for End.
func (n *Node) Connect(opts connection.Options) *connection.Overlay {
	o := connection.Connect(n.cons, opts)
	n.mu.Lock()
	n.overlays = append(n.overlays, o)
	n.mu.Unlock()
	return o
}

// NewOverlay creates an overlay with opts without starting it, so listeners
// can be attached before the first attempt. It is tracked for End.
func (n *Node) NewOverlay(opts connection.Options) *connection.Overlay {
	o := connection.NewOverlay(n.cons, opts)
	n.mu.Lock()
	n.overlays = append(n.overlays, o)
	n.mu.Unlock()
	return o
}

// NewListener creates a listener without a socket, fed through its Serve
// method. It is tracked for Close and End.
func (n *Node) NewListener(opts server.Options) *server.Listener {
	l := server.New(n.cons, opts)
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
	return l
}

// Listen opens a listener with opts and tracks it for Close and End.
func (n *Node) Listen(ctx context.Context, opts server.Options) (*server.Listener, error) {
	l, err := server.Listen(ctx, n.cons, opts)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
	return l, nil
}

// Overlays returns the overlays created by Connect.
func (n *Node) Overlays() []*connection.Overlay {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*connection.Overlay(nil), n.overlays...)
}

// Listeners returns the listeners created by Listen.
func (n *Node) Listeners() []*server.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*server.Listener(nil), n.listeners...)
}

// Close stops every listener from accepting. Live connections and overlays
// keep running.
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	listeners := append([]*server.Listener(nil), n.listeners...)
	n.mu.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		g.Go(l.Close)
	}
	return g.Wait()
}

// End closes the listeners, destroys every connection they serve, ends
// every overlay and ends the node's own stream handle if it has one.
func (n *Node) End() error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()

	var err error
	if !closed {
		err = n.Close()
	}

	n.mu.Lock()
	listeners := append([]*server.Listener(nil), n.listeners...)
	overlays := append([]*connection.Overlay(nil), n.overlays...)
	h := n.handle
	n.mu.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			l.End()
			return nil
		})
	}
	for _, o := range overlays {
		g.Go(func() error {
			o.End()
			return nil
		})
	}
	if h != nil {
		g.Go(h.End)
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// Handle returns the node's stream handle, creating it on first use.
func (n *Node) Handle() *transport.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handle == nil {
		n.handle = transport.NewHandle(transport.Config{
			Constructor:      n.cons,
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			Slog:             n.slog,
			OnRemote:         n.remoteReady,
		})
	}
	return n.handle
}

func (n *Node) remoteReady(r *transport.Remote) {
	n.mu.Lock()
	n.remote = r
	fns := append([]func(*transport.Remote){}, n.onRemote...)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// Read reads protocol output of the node's handle.
func (n *Node) Read(p []byte) (int, error) {
	return n.Handle().Read(p)
}

// Write feeds protocol input to the node's handle.
func (n *Node) Write(p []byte) (int, error) {
	return n.Handle().Write(p)
}

// Pipe connects the node's handle to rw in both directions.
func (n *Node) Pipe(rw io.ReadWriteCloser) error {
	return n.Handle().Pipe(rw)
}

// Destroy tears down the node's handle immediately.
func (n *Node) Destroy() {
	n.Handle().Destroy()
}

// OnRemote registers fn to run when the peer of the node's handle completes
// its handshake. If it already has, fn runs right away on a new goroutine.
func (n *Node) OnRemote(fn func(remote *transport.Remote)) {
	n.Handle()
	n.mu.Lock()
	n.onRemote = append(n.onRemote, fn)
	r := n.remote
	n.mu.Unlock()
	if r != nil {
		go fn(r)
	}
}

// OnDone registers fn to run once the node's handle has ended.
func (n *Node) OnDone(fn func()) {
	h := n.Handle()
	go func() {
		<-h.Done()
		fn()
	}()
}

// Connect starts an overlay exposing only ping.
func Connect(opts connection.Options) *connection.Overlay {
	return New(nil).Connect(opts)
}

// Listen starts a listener exposing only ping.
func Listen(ctx context.Context, opts server.Options) (*server.Listener, error) {
	return New(nil).Listen(ctx, opts)
}

var _ io.ReadWriteCloser = (*Node)(nil)
