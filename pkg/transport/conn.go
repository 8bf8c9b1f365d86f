package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/wire"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrProtocol         = errors.New("protocol error")
	ErrHandshake        = errors.New("handshake failed")
	ErrUnknownMethod    = errors.New("unknown method")
)

// RemoteError is returned by Remote.Call when the peer's method failed.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Timing defaults.
const (
	// DefaultHandshakeTimeout bounds the wait for the peer's Hello.
	DefaultHandshakeTimeout = 5 * time.Second

	// CloseWriteTimeout bounds the Close message write on graceful close.
	CloseWriteTimeout = time.Second
)

// Config configures a Conn.
type Config struct {
	// Constructor builds the local methods. Nil exposes only ping.
	Constructor Constructor

	// Role tags trace events with the local side.
	Role log.Role

	// MaxMessageSize is the maximum frame payload (default: 64KB).
	MaxMessageSize uint32

	// HandshakeTimeout fails the connection when no Hello arrives in time.
	// Zero waits forever.
	HandshakeTimeout time.Duration

	// Logger receives the protocol trace (optional).
	Logger log.Logger

	// Slog is the operational logger (default: slog.Default()).
	Slog *slog.Logger

	// OnRemote is called once the peer's Hello has been received.
	// It runs on its own goroutine and may call the remote.
	OnRemote func(remote *Remote)

	// OnError is called for protocol and handshake failures, just before the
	// connection is torn down.
	OnError func(err error)

	// OnClose is called exactly once when the connection has ended, after
	// OnRemote has returned. The cause is nil for a clean end of stream.
	OnClose func(cause error)
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   DefaultMaxMessageSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Conn runs the RPC protocol over a single duplex stream.
type Conn struct {
	id     string
	cfg    Config
	rw     io.ReadWriteCloser
	framer *Framer
	local  Methods
	slog   *slog.Logger

	nextID atomic.Uint32

	mu         sync.Mutex
	pending    map[uint32]chan *wire.Message
	remote     *Remote
	remoteAddr string
	started    bool
	failed     bool
	closed     bool
	handshake  *time.Timer

	// callbacks tracks OnRemote so OnClose never overtakes it.
	callbacks sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps rw in a Conn. The local methods are built immediately by
// cfg.Constructor; nothing is read or written until Start.
func New(rw io.ReadWriteCloser, cfg Config) *Conn {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Slog == nil {
		cfg.Slog = slog.Default()
	}

	c := &Conn{
		id:      uuid.New().String(),
		cfg:     cfg,
		rw:      rw,
		framer:  NewFramer(rw, cfg.MaxMessageSize),
		pending: make(map[uint32]chan *wire.Message),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.slog = cfg.Slog.With("conn_id", c.id)
	if a, ok := rw.(interface{ RemoteAddr() net.Addr }); ok && a.RemoteAddr() != nil {
		c.remoteAddr = a.RemoteAddr().String()
	}
	if cfg.Logger != nil {
		c.framer.SetLogger(cfg.Logger, c.id, cfg.Role)
	}
	c.local = Expose(cfg.Constructor, c)
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Local returns the methods exposed to the peer.
func (c *Conn) Local() Methods {
	return c.local
}

// RemoteAddr returns the peer address if the stream has one.
func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

func (c *Conn) setRemoteAddr(addr string) {
	c.mu.Lock()
	c.remoteAddr = addr
	c.mu.Unlock()
}

// Remote returns the peer once the handshake has completed, or nil.
func (c *Conn) Remote() *Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Context is cancelled when the connection ends. Inbound calls run with it.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed after OnClose has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Start sends Hello and begins reading. Calling Start again is a no-op.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.armHandshakeLocked(c.cfg.HandshakeTimeout)
	c.mu.Unlock()

	c.logState("", "OPEN", "")

	go c.readLoop()
	// Unbuffered streams (net.Pipe) block a write until the peer reads, so
	// Hello must not hold up the read loop.
	go func() {
		if err := c.send(wire.NewHello(c.local.Names())); err != nil {
			c.teardown(err)
		}
	}()
}

// Close ends the connection gracefully: a Close message is sent before the
// stream is closed. Closing an ended connection is a no-op.
func (c *Conn) Close() error {
	if c.Closed() {
		return nil
	}
	if d, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(CloseWriteTimeout))
	}
	if err := c.send(wire.NewClose()); err != nil {
		c.slog.Debug("close message not delivered", "error", err)
	}
	c.teardown(nil)
	return nil
}

// Destroy closes the stream immediately.
func (c *Conn) Destroy() {
	c.teardown(nil)
}

// armHandshake starts the handshake timer for a started connection that
// has none yet.
func (c *Conn) armHandshake(d time.Duration) {
	c.mu.Lock()
	c.armHandshakeLocked(d)
	c.mu.Unlock()
}

func (c *Conn) armHandshakeLocked(d time.Duration) {
	if d <= 0 || c.handshake != nil || c.remote != nil || c.closed {
		return
	}
	c.handshake = time.AfterFunc(d, func() { c.handshakeExpired(d) })
}

func (c *Conn) handshakeExpired(d time.Duration) {
	c.mu.Lock()
	waiting := c.remote == nil && !c.closed
	c.mu.Unlock()
	if waiting {
		c.fail(fmt.Errorf("%w: no hello within %v", ErrHandshake, d))
	}
}

// fail reports err and ends the connection.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.mu.Unlock()

	c.slog.Warn("transport error", "error", err)
	if c.cfg.Logger != nil {
		c.cfg.Logger.Log(c.event(log.LayerRPC, log.CategoryError, log.DirectionIn, func(e *log.Event) {
			e.Error = &log.ErrorEventData{Layer: log.LayerRPC, Message: err.Error()}
		}))
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
	c.teardown(err)
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.handshake != nil {
		c.handshake.Stop()
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	c.rw.Close()
	for _, ch := range pending {
		close(ch)
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	c.logState("OPEN", "CLOSED", reason)
	c.slog.Debug("transport closed", "reason", reason)

	go func() {
		c.callbacks.Wait()
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(cause)
		}
		close(c.done)
	}()
}

func (c *Conn) readLoop() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			c.readFailed(err)
			return
		}

		msg, err := wire.DecodeMessage(data)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}
		c.logMessage(msg, log.DirectionIn, nil)

		if !c.handle(msg) {
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	switch {
	case c.Closed():
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		c.teardown(nil)
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMessageEmpty), errors.Is(err, ErrFrameTruncated):
		c.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
	default:
		c.teardown(err)
	}
}

// handle processes one inbound message and reports whether to keep reading.
func (c *Conn) handle(msg *wire.Message) bool {
	switch msg.Kind {
	case wire.KindHello:
		return c.handleHello(msg)

	case wire.KindCall:
		go c.dispatch(msg)

	case wire.KindReply:
		c.mu.Lock()
		ch := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ch == nil {
			c.slog.Debug("reply for unknown call", "msg_id", msg.ID)
			return true
		}
		ch <- msg

	case wire.KindClose:
		c.teardown(nil)
		return false
	}
	return true
}

func (c *Conn) handleHello(msg *wire.Message) bool {
	if msg.Version != wire.ProtocolVersion {
		c.fail(fmt.Errorf("%w: unsupported protocol version %d", ErrHandshake, msg.Version))
		return false
	}

	c.mu.Lock()
	if c.remote != nil {
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: duplicate hello", ErrProtocol))
		return false
	}
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.handshake != nil {
		c.handshake.Stop()
	}
	remote := newRemote(c, msg.Methods)
	c.remote = remote
	c.callbacks.Add(1)
	c.mu.Unlock()

	c.slog.Debug("remote ready", "methods", msg.Methods)
	go func() {
		defer c.callbacks.Done()
		if c.cfg.OnRemote != nil {
			c.cfg.OnRemote(remote)
		}
	}()
	return true
}

func (c *Conn) dispatch(msg *wire.Message) {
	var (
		result any
		err    error
	)
	if fn, ok := c.local[msg.Method]; ok {
		result, err = c.invoke(fn, msg)
	} else {
		err = fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Method)
	}

	reply, encErr := wire.NewReply(msg.ID, result, err)
	if encErr != nil {
		reply, _ = wire.NewReply(msg.ID, nil, encErr)
	}
	if err := c.send(reply); err != nil {
		c.slog.Debug("reply not delivered", "method", msg.Method, "error", err)
	}
}

func (c *Conn) invoke(fn Method, msg *wire.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %s panicked: %v", msg.Method, r)
		}
	}()
	return fn(c.ctx, Args{raw: msg.Payload})
}

// call performs one round trip. Callers go through Remote.Call.
func (c *Conn) call(ctx context.Context, method string, args, reply any) error {
	id := c.nextID.Add(1)
	if id == 0 {
		id = c.nextID.Add(1)
	}
	msg, err := wire.NewCall(id, method, args)
	if err != nil {
		return err
	}

	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	if err := c.send(msg); err != nil {
		c.dropPending(id)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		latency := time.Since(start)
		c.logMessage(resp, log.DirectionIn, &latency)
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		return resp.DecodePayload(reply)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Conn) dropPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) send(msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.framer.WriteFrame(data); err != nil {
		return err
	}
	c.logMessage(msg, log.DirectionOut, nil)
	return nil
}

func (c *Conn) event(layer log.Layer, cat log.Category, dir log.Direction, fill func(*log.Event)) log.Event {
	e := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		LocalRole:    c.cfg.Role,
		RemoteAddr:   c.RemoteAddr(),
	}
	fill(&e)
	return e
}

func (c *Conn) logMessage(msg *wire.Message, dir log.Direction, latency *time.Duration) {
	if c.cfg.Logger == nil {
		return
	}
	// Inbound replies to our calls are logged by call with their latency.
	if msg.Kind == wire.KindReply && dir == log.DirectionIn && latency == nil {
		return
	}
	cat := log.CategoryMessage
	if msg.Kind == wire.KindClose {
		cat = log.CategoryControl
	}
	c.cfg.Logger.Log(c.event(log.LayerRPC, cat, dir, func(e *log.Event) {
		if msg.Kind == wire.KindClose {
			e.ControlMsg = &log.ControlMsgEvent{Type: log.ControlMsgClose}
			return
		}
		e.Message = &log.MessageEvent{
			Kind:      msg.Kind.String(),
			MessageID: msg.ID,
			Method:    msg.Method,
			Methods:   msg.Methods,
			Error:     msg.Error,
			Latency:   latency,
		}
	}))
}

func (c *Conn) logState(oldState, newState, reason string) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Log(c.event(log.LayerTransport, log.CategoryState, log.DirectionIn, func(e *log.Event) {
		e.StateChange = &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		}
	}))
}
