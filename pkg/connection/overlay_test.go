package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/stream"
	"github.com/upnode/upnode-go/pkg/transport"
	"github.com/upnode/upnode-go/pkg/wire"
)

var errRefused = errors.New("connection refused")

// pipeServer answers every dial with a server-side transport over net.Pipe.
type pipeServer struct {
	methods transport.Methods
	refuse  atomic.Bool
	dials   atomic.Int32
	ended   atomic.Int32

	mu    sync.Mutex
	conns []*transport.Conn
}

func newPipeServer(t *testing.T, methods transport.Methods) *pipeServer {
	s := &pipeServer{methods: methods}
	t.Cleanup(s.dropAll)
	return s
}

func (s *pipeServer) dial(context.Context) (io.ReadWriteCloser, error) {
	s.dials.Add(1)
	if s.refuse.Load() {
		return nil, errRefused
	}
	client, server := net.Pipe()
	c := transport.New(server, transport.Config{
		Constructor: transport.Static(s.methods),
		Role:        log.RoleServer,
		Slog:        quietSlog(),
		OnClose:     func(error) { s.ended.Add(1) },
	})
	c.Start()
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return client, nil
}

func (s *pipeServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Destroy()
	}
}

// recorder collects overlay events in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func record(o *Overlay, types ...EventType) *recorder {
	r := &recorder{ch: make(chan Event, 256)}
	for _, typ := range types {
		o.On(typ, func(e Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			r.ch <- e
		})
	}
	return r
}

// next waits for the next event of type typ, skipping others.
func (r *recorder) next(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == typ {
			n++
		}
	}
	return n
}

func quietSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(dial stream.Dialer) Options {
	opts := DefaultOptions()
	opts.Ping = 0
	opts.Reconnect = 20 * time.Millisecond
	opts.HandshakeTimeout = time.Second
	opts.Dial = dial
	opts.Slog = quietSlog()
	return opts
}

func echoMethods() transport.Methods {
	return transport.Methods{
		"echo": func(_ context.Context, args transport.Args) (any, error) {
			var s string
			if err := args.Decode(&s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

func start(t *testing.T, opts Options, types ...EventType) (*Overlay, *recorder) {
	t.Helper()
	o := NewOverlay(nil, opts)
	rec := record(o, types...)
	o.Start()
	t.Cleanup(o.End)
	return o, rec
}

func TestOverlayUpAndCall(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	o, rec := start(t, testOptions(srv.dial), EventRemote, EventUp)

	remote := rec.next(t, EventUp).Remote
	require.NotNil(t, remote)
	assert.Equal(t, StateUp, o.State())
	assert.Same(t, remote, o.Remote())
	assert.Equal(t, []EventType{EventRemote, EventUp}, rec.types())

	var got string
	require.NoError(t, o.Call(context.Background(), "echo", "hello", &got))
	assert.Equal(t, "hello", got)

	// Up: Invoke runs synchronously.
	ran := false
	o.Invoke(0, func(r *transport.Remote, err error) {
		ran = r == remote && err == nil
	})
	assert.True(t, ran)
}

func TestOverlayQueueFlushesInOrderBeforeUp(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	srv.refuse.Store(true)

	o := NewOverlay(nil, testOptions(srv.dial))
	t.Cleanup(o.End)

	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	o.OnUp(func(*transport.Remote) { note("up") })
	rec := record(o, EventUp)
	o.Start()

	for _, name := range []string{"a", "b", "c"} {
		o.Invoke(0, func(r *transport.Remote, err error) {
			if err != nil || r == nil {
				t.Errorf("%s: remote=%v err=%v", name, r, err)
			}
			note(name)
		})
	}
	assert.Equal(t, 3, o.Pending())

	srv.refuse.Store(false)
	rec.next(t, EventUp)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "up"}, order)
	assert.Equal(t, 0, o.Pending())
}

func TestOverlayInvokeTimeout(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	srv.refuse.Store(true)
	o, rec := start(t, testOptions(srv.dial), EventUp)

	var calls atomic.Int32
	errCh := make(chan error, 4)
	o.Invoke(30*time.Millisecond, func(r *transport.Remote, err error) {
		calls.Add(1)
		if r != nil {
			t.Error("remote should be nil on timeout")
		}
		errCh <- err
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInvokeTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation did not time out")
	}
	assert.Equal(t, 0, o.Pending())

	srv.refuse.Store(false)
	rec.next(t, EventUp)
	assert.Equal(t, int32(1), calls.Load(), "timed out invocation must not run again")
}

func TestOverlayUpWinsTieBreak(t *testing.T) {
	o := NewOverlay(nil, testOptions(nil))

	var calls int
	var gotErr error
	inv := o.enqueue(time.Hour, func(_ *transport.Remote, err error) {
		calls++
		gotErr = err
	})
	require.NotNil(t, inv)

	// Both ready: flush claims the entry, the expiry then finds it claimed.
	require.True(t, o.flush(nil))
	o.expire(inv, ErrInvokeTimeout)

	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
}

func TestOverlayExpiredEntryNotFlushed(t *testing.T) {
	o := NewOverlay(nil, testOptions(nil))

	var errs []error
	inv := o.enqueue(time.Hour, func(_ *transport.Remote, err error) {
		errs = append(errs, err)
	})
	o.expire(inv, ErrInvokeTimeout)
	o.flush(nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvokeTimeout)
}

func TestOverlayCloseIsIdempotent(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	srv.refuse.Store(true)
	o, rec := start(t, testOptions(srv.dial), EventClose, EventDown, EventReconnect)

	require.Eventually(t, func() bool { return srv.dials.Load() >= 1 }, time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	o.Invoke(0, func(_ *transport.Remote, err error) { errCh <- err })

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	o.End()

	assert.ErrorIs(t, <-errCh, ErrOverlayClosed)
	assert.Equal(t, StateClosed, o.State())
	assert.Equal(t, 1, rec.count(EventClose))
	assert.Equal(t, 0, rec.count(EventDown), "never up, so no down")
	<-o.Done()

	o.Invoke(0, func(_ *transport.Remote, err error) { errCh <- err })
	assert.ErrorIs(t, <-errCh, ErrOverlayClosed)

	// No reconnect after close.
	dials := srv.dials.Load()
	reconnects := rec.count(EventReconnect)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, dials, srv.dials.Load())
	assert.Equal(t, reconnects, rec.count(EventReconnect))
}

func TestOverlayCloseTwiceWhileUpEndsStreamOnce(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	o, rec := start(t, testOptions(srv.dial), EventUp, EventDown, EventClose)
	rec.next(t, EventUp)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	o.End()
	<-o.Done()

	require.Eventually(t, func() bool { return srv.ended.Load() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), srv.ended.Load())
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.Equal(t, 1, rec.count(EventDown))
	assert.Equal(t, 1, rec.count(EventClose))
}

func TestOverlayCloseWhileUp(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	o, rec := start(t, testOptions(srv.dial), EventUp, EventDown, EventClose, EventReconnect)
	remote := rec.next(t, EventUp).Remote

	require.NoError(t, o.Close())
	rec.next(t, EventClose)

	assert.Equal(t, []EventType{EventUp, EventDown, EventClose}, rec.types())
	select {
	case <-remote.Conn().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed")
	}
	assert.Nil(t, o.Remote())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventReconnect))
}

func TestOverlayReconnectCycle(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	opts := testOptions(srv.dial)
	opts.Reconnect = 40 * time.Millisecond
	o, rec := start(t, opts, EventUp, EventDown, EventReconnect)

	first := rec.next(t, EventUp).Remote
	srv.dropAll()

	rec.next(t, EventDown)
	downAt := time.Now()
	rec.next(t, EventReconnect)
	assert.GreaterOrEqual(t, time.Since(downAt), 30*time.Millisecond)

	second := rec.next(t, EventUp).Remote
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, o.Attempts())
	assert.Equal(t, []EventType{EventUp, EventDown, EventReconnect, EventUp}, rec.types())

	var got string
	require.NoError(t, o.Call(context.Background(), "echo", "again", &got))
	assert.Equal(t, "again", got)
}

func TestOverlayNoDownWithoutHandshake(t *testing.T) {
	srv := newPipeServer(t, nil)
	srv.refuse.Store(true)
	_, rec := start(t, testOptions(srv.dial), EventDown, EventReconnect)

	rec.next(t, EventReconnect)
	rec.next(t, EventReconnect)
	// The reconnect event fires before the next dial starts.
	require.Eventually(t, func() bool { return srv.dials.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDown))
}

func TestOverlayMaxAttempts(t *testing.T) {
	srv := newPipeServer(t, nil)
	srv.refuse.Store(true)
	opts := testOptions(srv.dial)
	opts.Reconnect = 5 * time.Millisecond
	opts.MaxAttempts = 3
	o, rec := start(t, opts, EventError, EventClose)

	e := rec.next(t, EventError)
	assert.ErrorIs(t, e.Err, ErrReconnectExhausted)
	rec.next(t, EventClose)
	assert.Equal(t, StateClosed, o.State())
	assert.Equal(t, int32(3), srv.dials.Load())
}

func TestOverlayBlockRunsBeforeUp(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	opts := testOptions(srv.dial)

	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	opts.Block = func(remote *transport.Remote, conn *transport.Conn) {
		if remote == nil || conn == nil || remote.Conn() != conn {
			t.Error("Block got inconsistent remote and conn")
		}
		note("block")
	}

	o := NewOverlay(nil, opts)
	t.Cleanup(o.End)
	o.On(EventRemote, func(Event) { note("remote") })
	o.OnUp(func(*transport.Remote) { note("up") })
	rec := record(o, EventUp)
	o.Start()

	rec.next(t, EventUp)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"remote", "block", "up"}, order)
}

func TestOverlayCallQueuedThenCancelled(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	srv.refuse.Store(true)
	o, _ := start(t, testOptions(srv.dial))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Call(ctx, "echo", "x", nil) }()

	require.Eventually(t, func() bool { return o.Pending() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, o.Pending())
}

func TestOverlayCallDeadlineWhileQueued(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	srv.refuse.Store(true)
	o, _ := start(t, testOptions(srv.dial))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := o.Call(ctx, "echo", "x", nil)
	assert.True(t, errors.Is(err, ErrInvokeTimeout) || errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestOverlayHeartbeat(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	opts := testOptions(srv.dial)
	opts.Ping = 15 * time.Millisecond
	opts.Timeout = time.Second
	_, rec := start(t, opts, EventPing)

	e := rec.next(t, EventPing)
	assert.GreaterOrEqual(t, e.Latency, time.Duration(0))
}

func TestOverlayHeartbeatTimeoutReconnects(t *testing.T) {
	hang := transport.Methods{
		transport.PingMethod: func(ctx context.Context, _ transport.Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := newPipeServer(t, hang)
	opts := testOptions(srv.dial)
	opts.Ping = 15 * time.Millisecond
	opts.Timeout = 20 * time.Millisecond
	opts.Reconnect = 200 * time.Millisecond
	_, rec := start(t, opts, EventUp, EventError, EventDown, EventReconnect)

	rec.next(t, EventUp)
	e := rec.next(t, EventError)
	assert.ErrorIs(t, e.Err, ErrLivenessTimeout)
	rec.next(t, EventDown)

	// Exactly one liveness failure per connection.
	time.Sleep(60 * time.Millisecond)
	timeouts := 0
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Type == EventError && errors.Is(ev.Err, ErrLivenessTimeout) {
			timeouts++
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, 1, timeouts)
	rec.next(t, EventReconnect)
}

func TestOverlayHeartbeatDefaultTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the default heartbeat timeout")
	}
	hang := transport.Methods{
		transport.PingMethod: func(ctx context.Context, _ transport.Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := newPipeServer(t, hang)
	opts := Options{
		Ping:      10 * time.Millisecond,
		Reconnect: time.Minute,
		Dial:      srv.dial,
		Slog:      quietSlog(),
	}
	_, rec := start(t, opts, EventUp, EventDown)
	rec.next(t, EventUp)

	deadline := time.After(DefaultTimeout + 2*time.Second)
	for {
		select {
		case e := <-rec.ch:
			if e.Type == EventDown {
				return
			}
		case <-deadline:
			t.Fatal("unanswered pings never tore the stream down")
		}
	}
}

func TestOverlayHeartbeatNegativeTimeoutNeverExpires(t *testing.T) {
	hang := transport.Methods{
		transport.PingMethod: func(ctx context.Context, _ transport.Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := newPipeServer(t, hang)
	opts := testOptions(srv.dial)
	opts.Ping = 10 * time.Millisecond
	opts.Timeout = -1
	_, rec := start(t, opts, EventUp, EventDown, EventError)
	rec.next(t, EventUp)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDown))
	assert.Equal(t, 0, rec.count(EventError))
}

func TestOverlayRemoteWithoutPing(t *testing.T) {
	// A peer announcing only echo, speaking the wire protocol by hand.
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			hello, _ := wire.EncodeMessage(wire.NewHello([]string{"echo"}))
			go transport.NewFrameWriter(server, 0).WriteFrame(hello)
			r := transport.NewFrameReader(server, 0)
			for {
				if _, err := r.ReadFrame(); err != nil {
					return
				}
			}
		}()
		return client, nil
	}

	opts := testOptions(dial)
	opts.Ping = 10 * time.Millisecond
	_, rec := start(t, opts, EventError, EventUp)

	e := rec.next(t, EventError)
	assert.ErrorIs(t, e.Err, ErrRemoteNoPing)
	rec.next(t, EventUp)
}

func TestOverlayDefaultDialerTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []*transport.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Destroy()
		}
	})

	go func() {
		for {
			rw, err := ln.Accept()
			if err != nil {
				return
			}
			c := transport.New(rw, transport.Config{
				Constructor: transport.Static(echoMethods()),
				Role:        log.RoleServer,
				Slog:        quietSlog(),
			})
			c.Start()
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	opts := testOptions(nil)
	opts.Host = "127.0.0.1"
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	o, rec := start(t, opts, EventUp)
	rec.next(t, EventUp)

	var got string
	require.NoError(t, o.Remote().Call(context.Background(), "echo", "tcp", &got))
	assert.Equal(t, "tcp", got)
}

func TestOverlayTraceEvents(t *testing.T) {
	srv := newPipeServer(t, echoMethods())
	opts := testOptions(srv.dial)
	trace := &captureLogger{}
	opts.Logger = trace
	o, rec := start(t, opts, EventUp)
	rec.next(t, EventUp)
	o.Close()

	var states []string
	for _, e := range trace.snapshot() {
		if e.Layer == log.LayerOverlay && e.StateChange != nil {
			states = append(states, e.StateChange.NewState)
			assert.Equal(t, o.ID(), e.ConnectionID)
			assert.Equal(t, uint32(1), e.Attempt)
		}
	}
	assert.Equal(t, []string{"CONNECTING", "UP", "CLOSED"}, states)
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureLogger) snapshot() []log.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]log.Event(nil), c.events...)
}
