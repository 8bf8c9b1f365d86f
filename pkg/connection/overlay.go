package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/transport"
)

// Overlay errors.
var (
	ErrInvokeTimeout      = errors.New("invocation timed out waiting for remote")
	ErrOverlayClosed      = errors.New("overlay closed")
	ErrRemoteNoPing       = errors.New("remote does not implement ping")
	ErrLivenessTimeout    = errors.New("heartbeat timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of an Overlay.
type State uint8

const (
	// StateDisconnected means no stream is open and a reconnect is pending.
	StateDisconnected State = iota
	// StateConnecting means a stream is being dialed or handshaken.
	StateConnecting
	// StateUp means the remote is ready and queued invocations have run.
	StateUp
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateUp:
		return "UP"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Invocation receives the remote once it is up. On timeout or close it is
// called with a nil remote and a non-nil error instead.
type Invocation func(remote *transport.Remote, err error)

type invocation struct {
	fn    Invocation
	timer *time.Timer

	// done is set under Overlay.mu by whichever of flush, expiry or close
	// claims the entry first.
	done bool
}

// Overlay is a client connection that survives disconnects. It dials,
// handshakes, and on every loss schedules a new attempt until closed.
// Invocations made while the remote is unavailable are queued and run in
// order on the next handshake.
type Overlay struct {
	id     string
	opts   Options
	cons   transport.Constructor
	policy ReconnectPolicy
	slog   *slog.Logger
	logger log.Logger
	events emitter

	mu       sync.Mutex
	state    State
	started  bool
	closed   bool
	remote   *transport.Remote
	conn     *transport.Conn
	current  *attempt
	attempts uint32
	failures int
	queue    []*invocation
	flushing bool
	timer    *time.Timer
	done     chan struct{}
}

// NewOverlay creates an overlay without connecting. Subscribe to events,
// then call Start.
func NewOverlay(cons transport.Constructor, opts Options) *Overlay {
	if opts.Slog == nil {
		opts.Slog = slog.Default()
	}
	o := &Overlay{
		id:     uuid.New().String(),
		opts:   opts,
		cons:   cons,
		policy: opts.policy(),
		logger: log.OrNoop(opts.Logger),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
	o.slog = opts.Slog.With("overlay_id", o.id)
	return o
}

// Connect creates an overlay and starts the first connection attempt.
func Connect(cons transport.Constructor, opts Options) *Overlay {
	o := NewOverlay(cons, opts)
	o.Start()
	return o
}

// Start begins connecting. Calling it again, or after Close, does nothing.
func (o *Overlay) Start() {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()
	o.connect()
}

// ID returns the overlay identifier used in logs.
func (o *Overlay) ID() string {
	return o.id
}

// State returns the current lifecycle state.
func (o *Overlay) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Remote returns the current remote, or nil while not up.
func (o *Overlay) Remote() *transport.Remote {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateUp {
		return nil
	}
	return o.remote
}

// Conn returns the current transport connection, or nil while not up.
func (o *Overlay) Conn() *transport.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateUp {
		return nil
	}
	return o.conn
}

// Pending returns the number of queued invocations.
func (o *Overlay) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Attempts returns how many connection attempts have been started.
func (o *Overlay) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.attempts)
}

// Done is closed once the overlay has been closed and its close event
// delivered.
func (o *Overlay) Done() <-chan struct{} {
	return o.done
}

// Invoke runs fn with the remote. When the overlay is up fn runs now on the
// caller's goroutine; otherwise fn is queued until the next handshake. A
// positive timeout bounds the wait: when it passes first, fn is called with
// ErrInvokeTimeout. fn runs exactly once.
func (o *Overlay) Invoke(timeout time.Duration, fn Invocation) {
	o.enqueue(timeout, fn)
}

func (o *Overlay) enqueue(timeout time.Duration, fn Invocation) *invocation {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		fn(nil, ErrOverlayClosed)
		return nil
	}
	if o.state == StateUp && !o.flushing {
		r := o.remote
		o.mu.Unlock()
		fn(r, nil)
		return nil
	}

	inv := &invocation{fn: fn}
	if timeout > 0 {
		inv.timer = time.AfterFunc(timeout, func() { o.expire(inv, ErrInvokeTimeout) })
	}
	o.queue = append(o.queue, inv)
	o.mu.Unlock()
	return inv
}

// expire fails inv with err unless flush or close claimed it first.
func (o *Overlay) expire(inv *invocation, err error) {
	o.mu.Lock()
	if inv.done {
		o.mu.Unlock()
		return
	}
	inv.done = true
	if inv.timer != nil {
		inv.timer.Stop()
	}
	for i, q := range o.queue {
		if q == inv {
			o.queue = append(o.queue[:i:i], o.queue[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	inv.fn(nil, err)
}

// Call invokes method on the remote once it is up. The context deadline,
// if any, also bounds the time spent queued.
func (o *Overlay) Call(ctx context.Context, method string, args, reply any) error {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	result := make(chan error, 1)
	inv := o.enqueue(timeout, func(r *transport.Remote, err error) {
		if err != nil {
			result <- err
			return
		}
		// Calls block on the round trip; flush must move on to the next entry.
		go func() { result <- r.Call(ctx, method, args, reply) }()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if inv != nil {
			o.expire(inv, ctx.Err())
		}
		return ctx.Err()
	}
}

// Close ends the overlay: the current stream is closed gracefully, no
// reconnect is attempted, queued invocations fail with ErrOverlayClosed and
// the close event fires. Close is idempotent.
func (o *Overlay) Close() error {
	o.shutdown(false)
	return nil
}

// End is Close with the current stream destroyed instead of closed
// gracefully.
func (o *Overlay) End() {
	o.shutdown(true)
}

func (o *Overlay) shutdown(destroy bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	old := o.setState(StateClosed)
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	a := o.current
	o.current = nil
	o.remote = nil
	o.conn = nil
	o.flushing = false
	queued := o.queue
	o.queue = nil
	for _, inv := range queued {
		inv.done = true
		if inv.timer != nil {
			inv.timer.Stop()
		}
	}

	var (
		conn  *transport.Conn
		hb    *Heartbeat
		wasUp bool
	)
	if a != nil {
		a.ended = true
		a.cancel()
		conn, hb, wasUp = a.conn, a.hb, a.up
	}
	n := o.attempts
	o.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		if destroy {
			conn.Destroy()
		} else {
			conn.Close()
		}
	}
	o.traceState(n, old, StateClosed, "closed")
	o.slog.Info("overlay closed", "attempts", n, "queued", len(queued))

	for _, inv := range queued {
		inv.fn(nil, ErrOverlayClosed)
	}
	if wasUp {
		o.emit(Event{Type: EventDown})
	}
	o.emit(Event{Type: EventClose})
	close(o.done)
}

// connect starts a new attempt.
func (o *Overlay) connect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.attempts++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{n: o.attempts, ctx: ctx, cancel: cancel}
	o.current = a
	old := o.setState(StateConnecting)
	o.mu.Unlock()

	o.traceState(a.n, old, StateConnecting, "")
	o.slog.Debug("connecting", "attempt", a.n)
	go o.establish(a)
}

// goUp flushes the queue and reports up, unless a was lost meanwhile.
func (o *Overlay) goUp(a *attempt, r *transport.Remote) {
	o.mu.Lock()
	if a.ended || o.current != a || o.closed {
		o.mu.Unlock()
		return
	}
	old := o.setState(StateUp)
	o.flushing = true
	o.mu.Unlock()

	o.traceState(a.n, old, StateUp, "")
	if !o.flush(r) {
		return
	}
	o.slog.Info("overlay up", "attempt", a.n)
	o.emit(Event{Type: EventUp, Remote: r, Conn: r.Conn()})
}

// flush runs queued invocations in order until the queue is empty. Entries
// queued while flushing run in the same pass. It returns false if r stopped
// being the current remote.
func (o *Overlay) flush(r *transport.Remote) bool {
	for {
		o.mu.Lock()
		if o.remote != r {
			o.mu.Unlock()
			return false
		}
		if len(o.queue) == 0 {
			o.flushing = false
			o.mu.Unlock()
			return true
		}
		batch := o.queue
		o.queue = nil
		for _, inv := range batch {
			inv.done = true
			if inv.timer != nil {
				inv.timer.Stop()
			}
		}
		o.mu.Unlock()

		for _, inv := range batch {
			inv.fn(r, nil)
		}
	}
}

func (o *Overlay) scheduleReconnect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if limit := o.opts.MaxAttempts; limit > 0 && o.failures >= limit {
		failures := o.failures
		o.mu.Unlock()
		err := fmt.Errorf("%w: %d consecutive failures", ErrReconnectExhausted, failures)
		o.slog.Warn("giving up", "error", err)
		o.emit(Event{Type: EventError, Err: err})
		o.Close()
		return
	}
	delay := o.policy.Next()
	o.timer = time.AfterFunc(delay, o.reconnect)
	o.mu.Unlock()

	o.slog.Debug("reconnect scheduled", "delay", delay)
}

func (o *Overlay) reconnect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()

	o.emit(Event{Type: EventReconnect})
	o.connect()
}

// setState must be called with o.mu held. It returns the previous state.
func (o *Overlay) setState(s State) State {
	old := o.state
	o.state = s
	return old
}

// On subscribes fn to events of type t and returns an unsubscribe func.
func (o *Overlay) On(t EventType, fn Listener) func() {
	return o.events.add(t, fn, false)
}

// Once subscribes fn to the next event of type t only.
func (o *Overlay) Once(t EventType, fn Listener) func() {
	return o.events.add(t, fn, true)
}

// OnUp subscribes fn to up events.
func (o *Overlay) OnUp(fn func(remote *transport.Remote)) func() {
	return o.On(EventUp, func(e Event) { fn(e.Remote) })
}

// OnDown subscribes fn to down events.
func (o *Overlay) OnDown(fn func()) func() {
	return o.On(EventDown, func(Event) { fn() })
}

// OnPing subscribes fn to heartbeat round trips.
func (o *Overlay) OnPing(fn func(latency time.Duration)) func() {
	return o.On(EventPing, func(e Event) { fn(e.Latency) })
}

// OnError subscribes fn to overlay errors.
func (o *Overlay) OnError(fn func(err error)) func() {
	return o.On(EventError, func(e Event) { fn(e.Err) })
}

func (o *Overlay) emit(ev Event) {
	o.events.emit(ev)
}

func (o *Overlay) traceState(n uint32, old, s State, reason string) {
	o.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: o.id,
		Layer:        log.LayerOverlay,
		Category:     log.CategoryState,
		LocalRole:    log.RoleClient,
		Attempt:      n,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityOverlay,
			OldState: old.String(),
			NewState: s.String(),
			Reason:   reason,
		},
	})
}

func (o *Overlay) traceError(n uint32, err error) {
	o.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: o.id,
		Layer:        log.LayerOverlay,
		Category:     log.CategoryError,
		LocalRole:    log.RoleClient,
		Attempt:      n,
		Error:        &log.ErrorEventData{Layer: log.LayerOverlay, Message: err.Error()},
	})
}

func (o *Overlay) traceControl(n uint32, conn *transport.Conn, dir log.Direction, t log.ControlMsgType, latency *time.Duration) {
	o.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ID(),
		Direction:    dir,
		Layer:        log.LayerOverlay,
		Category:     log.CategoryControl,
		LocalRole:    log.RoleClient,
		RemoteAddr:   conn.RemoteAddr(),
		Attempt:      n,
		ControlMsg:   &log.ControlMsgEvent{Type: t, Latency: latency},
	})
}
