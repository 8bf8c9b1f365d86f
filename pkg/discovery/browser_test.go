package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser returns a Browser fed from the given script. Each step either
// announces or withdraws an entry.
type step struct {
	lost  bool
	entry ServiceEntry
}

func fakeBrowser(steps ...step) *Browser {
	b := NewBrowser(BrowserConfig{BrowseTimeout: 200 * time.Millisecond})
	b.browse = func(ctx context.Context, found, lost chan<- ServiceEntry) error {
		for _, s := range steps {
			ch := found
			if s.lost {
				ch = lost
			}
			select {
			case ch <- s.entry:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return b
}

func entry(instance string, port int, addrs ...string) ServiceEntry {
	return ServiceEntry{
		Instance: instance,
		Host:     instance + ".local.",
		Port:     port,
		Text:     []string{"v=1", "m=echo,ping"},
		Addrs:    addrs,
	}
}

func TestBrowseMergesInterfaces(t *testing.T) {
	b := fakeBrowser(
		step{entry: entry("a", 4000, "10.0.0.1")},
		step{entry: entry("a", 4000, "fe80::1")},
		step{entry: entry("b", 4001, "10.0.0.2")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := b.Browse(ctx)
	require.NoError(t, err)

	var got []*Service
	for svc := range services {
		got = append(got, svc)
		if len(got) == 2 {
			cancel()
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Instance)
	assert.Equal(t, []string{"10.0.0.1"}, got[0].Addresses)
	assert.Equal(t, []string{"echo", "ping"}, got[0].Methods)
	assert.Equal(t, "1", got[0].Version)
	assert.Equal(t, "b", got[1].Instance)
}

func TestBrowseWaitsForAddress(t *testing.T) {
	b := fakeBrowser(
		step{entry: entry("a", 4000)},
		step{entry: entry("a", 4000, "10.0.0.1")},
	)
	svc, err := b.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, svc.Addresses)
}

func TestBrowseReemitsAfterWithdrawal(t *testing.T) {
	b := fakeBrowser(
		step{entry: entry("a", 4000, "10.0.0.1")},
		step{lost: true, entry: entry("a", 4000, "10.0.0.1")},
		step{entry: entry("a", 4002, "10.0.0.9")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := b.Browse(ctx)
	require.NoError(t, err)

	first := <-services
	second := <-services
	cancel()
	assert.Equal(t, 4000, first.Port)
	assert.Equal(t, 4002, second.Port)
	assert.Equal(t, []string{"10.0.0.9"}, second.Addresses)
}

func TestLookupNotFound(t *testing.T) {
	b := fakeBrowser(step{entry: entry("other", 4000, "10.0.0.1")})
	_, err := b.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDialResolvesInstance(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	b := fakeBrowser(step{entry: entry("node", port, "127.0.0.1")})

	conn, err := Dial(b, "node")(context.Background())
	require.NoError(t, err)
	conn.Close()
}

func TestDialUnknownInstance(t *testing.T) {
	b := fakeBrowser()
	_, err := Dial(b, "node")(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}
