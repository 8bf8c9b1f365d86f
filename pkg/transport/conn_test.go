package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upnode/upnode-go/pkg/wire"
)

// pair starts two connections over net.Pipe and waits for both handshakes.
func pair(t *testing.T, a, b Config) (*Conn, *Remote, *Conn, *Remote) {
	t.Helper()
	ra := make(chan *Remote, 1)
	rb := make(chan *Remote, 1)
	a.OnRemote = chain(a.OnRemote, func(r *Remote) { ra <- r })
	b.OnRemote = chain(b.OnRemote, func(r *Remote) { rb <- r })

	pa, pb := net.Pipe()
	ca, cb := New(pa, a), New(pb, b)
	ca.Start()
	cb.Start()
	t.Cleanup(func() {
		ca.Destroy()
		cb.Destroy()
	})

	var remoteA, remoteB *Remote
	for remoteA == nil || remoteB == nil {
		select {
		case remoteA = <-ra:
		case remoteB = <-rb:
		case <-time.After(2 * time.Second):
			t.Fatal("handshake did not complete")
		}
	}
	return ca, remoteA, cb, remoteB
}

func chain(first, second func(*Remote)) func(*Remote) {
	return func(r *Remote) {
		if first != nil {
			first(r)
		}
		second(r)
	}
}

func echoMethods() Methods {
	return Methods{
		"echo": func(_ context.Context, args Args) (any, error) {
			var s string
			if err := args.Decode(&s); err != nil {
				return nil, err
			}
			return s, nil
		},
		"fail": func(context.Context, Args) (any, error) {
			return nil, errors.New("boom")
		},
		"panic": func(context.Context, Args) (any, error) {
			panic("kaboom")
		},
	}
}

func TestConnHandshakeAdvertisesMethods(t *testing.T) {
	_, remoteA, _, remoteB := pair(t, Config{Constructor: Static(echoMethods())}, Config{})

	// remoteA is what a sees of b, which exposes only the default ping.
	if !remoteA.Has(PingMethod) || remoteA.Has("echo") {
		t.Errorf("b methods = %v, want only ping", remoteA.Methods())
	}
	for _, name := range []string{"echo", "fail", "panic", PingMethod} {
		if !remoteB.Has(name) {
			t.Errorf("a should expose %q, got %v", name, remoteB.Methods())
		}
	}
}

func TestConnCallBothDirections(t *testing.T) {
	cfg := Config{Constructor: Static(echoMethods())}
	_, remoteA, _, remoteB := pair(t, cfg, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, r := range []*Remote{remoteA, remoteB} {
		var got string
		if err := r.Call(ctx, "echo", "hi", &got); err != nil {
			t.Fatalf("Call echo failed: %v", err)
		}
		if got != "hi" {
			t.Errorf("echo = %q, want %q", got, "hi")
		}
		if err := r.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	}
}

func TestConnCallErrors(t *testing.T) {
	_, _, _, remote := pair(t, Config{Constructor: Static(echoMethods())}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var remoteErr *RemoteError
	if err := remote.Call(ctx, "fail", nil, nil); !errors.As(err, &remoteErr) || remoteErr.Message != "boom" {
		t.Errorf("fail: got %v, want RemoteError boom", err)
	}
	if err := remote.Call(ctx, "panic", nil, nil); !errors.As(err, &remoteErr) {
		t.Errorf("panic: got %v, want RemoteError", err)
	}
	if err := remote.Call(ctx, "missing", nil, nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("missing: got %v, want ErrUnknownMethod", err)
	}
}

func TestConnUnadvertisedCallGetsErrorReply(t *testing.T) {
	ca, _, _, _ := pair(t, Config{}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Bypass Remote.Has to reach the peer's dispatcher.
	var remoteErr *RemoteError
	err := ca.call(ctx, "nope", nil, nil)
	if !errors.As(err, &remoteErr) {
		t.Fatalf("got %v, want RemoteError", err)
	}
}

func TestConstructorSemantics(t *testing.T) {
	t.Run("nil return keeps self", func(t *testing.T) {
		c := New(nopStream{}, Config{Constructor: func(self Methods, conn *Conn) Methods {
			if conn == nil {
				t.Error("constructor got nil conn")
			}
			self["a"] = ping
			return nil
		}})
		if _, ok := c.Local()["a"]; !ok {
			t.Error("method added to self should be exposed")
		}
		if _, ok := c.Local()[PingMethod]; !ok {
			t.Error("default ping missing")
		}
	})

	t.Run("return replaces self", func(t *testing.T) {
		shared := Methods{"b": ping}
		c := New(nopStream{}, Config{Constructor: func(self Methods, _ *Conn) Methods {
			self["a"] = ping
			return shared
		}})
		if _, ok := c.Local()["a"]; ok {
			t.Error("self should be replaced")
		}
		if _, ok := c.Local()["b"]; !ok {
			t.Error("returned method missing")
		}
		if _, ok := shared[PingMethod]; ok {
			t.Error("returned map must not be mutated")
		}
	})

	t.Run("custom ping kept", func(t *testing.T) {
		var called atomic.Bool
		custom := func(context.Context, Args) (any, error) {
			called.Store(true)
			return nil, nil
		}
		c := New(nopStream{}, Config{Constructor: Static(Methods{PingMethod: custom})})
		c.Local()[PingMethod](context.Background(), Args{})
		if !called.Load() {
			t.Error("custom ping should be used")
		}
	})
}

func TestConnCloseFailsPendingCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := Methods{"slow": func(ctx context.Context, _ Args) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}}

	_, _, _, remote := pair(t, Config{Constructor: Static(slow)}, Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- remote.Call(context.Background(), "slow", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	remote.Conn().Destroy()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending call: got %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on close")
	}

	if err := remote.Ping(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call after close: got %v, want ErrConnectionClosed", err)
	}
}

func TestConnCallContextCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := Methods{"slow": func(context.Context, Args) (any, error) {
		<-block
		return nil, nil
	}}
	_, _, _, remote := pair(t, Config{Constructor: Static(slow)}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := remote.Call(ctx, "slow", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

func TestConnGracefulCloseNotifiesPeer(t *testing.T) {
	var aCloses, bCloses atomic.Int32
	bCause := make(chan error, 1)
	a := Config{OnClose: func(error) { aCloses.Add(1) }}
	b := Config{OnClose: func(err error) {
		bCloses.Add(1)
		bCause <- err
	}}
	ca, _, cb, _ := pair(t, a, b)

	if err := ca.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ca.Close()
	ca.Destroy()

	select {
	case err := <-bCause:
		if err != nil {
			t.Errorf("peer close cause = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not observe close")
	}
	<-ca.Done()
	<-cb.Done()

	if aCloses.Load() != 1 || bCloses.Load() != 1 {
		t.Errorf("OnClose counts = %d, %d, want 1, 1", aCloses.Load(), bCloses.Load())
	}
}

func TestConnProtocolErrorOnGarbage(t *testing.T) {
	pa, pb := net.Pipe()
	errCh := make(chan error, 1)
	closed := make(chan error, 1)
	c := New(pa, Config{
		OnError: func(err error) { errCh <- err },
		OnClose: func(err error) { closed <- err },
	})
	c.Start()

	// Drain the Hello, then send a well-framed but undecodable message.
	go NewFrameReader(pb, 0).ReadFrame()
	if err := NewFrameWriter(pb, 0).WriteFrame([]byte{0xff, 0xff}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("OnError = %v, want ErrProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no protocol error reported")
	}
	select {
	case err := <-closed:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("OnClose cause = %v, want ErrProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after protocol error")
	}
}

func TestConnHandshakeTimeout(t *testing.T) {
	pa, pb := net.Pipe()
	defer pb.Close()
	go func() {
		// Swallow everything; never answer.
		buf := make([]byte, 1024)
		for {
			if _, err := pb.Read(buf); err != nil {
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	c := New(pa, Config{
		HandshakeTimeout: 30 * time.Millisecond,
		OnError:          func(err error) { errCh <- err },
	})
	c.Start()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHandshake) {
			t.Errorf("got %v, want ErrHandshake", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timeout not reported")
	}
	<-c.Done()
}

func TestConnRejectsDuplicateHello(t *testing.T) {
	pa, pb := net.Pipe()
	errCh := make(chan error, 1)
	c := New(pa, Config{OnError: func(err error) { errCh <- err }})
	c.Start()

	go func() {
		r := NewFrameReader(pb, 0)
		for {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
	}()
	w := NewFrameWriter(pb, 0)
	hello, _ := wire.EncodeMessage(wire.NewHello([]string{PingMethod}))
	w.WriteFrame(hello)
	w.WriteFrame(hello)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("got %v, want ErrProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate hello not rejected")
	}
}

func TestConnOnRemoteMayCallPeer(t *testing.T) {
	result := make(chan string, 1)
	a := Config{OnRemote: func(r *Remote) {
		var s string
		if err := r.Call(context.Background(), "echo", "from-callback", &s); err != nil {
			result <- err.Error()
			return
		}
		result <- s
	}}
	pair(t, a, Config{Constructor: Static(echoMethods())})

	select {
	case got := <-result:
		if got != "from-callback" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call from OnRemote did not complete")
	}
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)    { select {} }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }
