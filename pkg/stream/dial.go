package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
)

// ErrNoAddress is returned when neither a port nor a socket path is given.
var ErrNoAddress = errors.New("no port or path given")

// Dialer opens a new duplex stream.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// TCP returns a Dialer for host:port. An empty host means localhost.
func TCP(host string, port int) Dialer {
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Unix returns a Dialer for the Unix socket at path.
func Unix(path string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// Address picks the Dialer for an address triple: path wins over port.
func Address(host string, port int, path string) (Dialer, error) {
	switch {
	case path != "":
		return Unix(path), nil
	case port != 0:
		return TCP(host, port), nil
	default:
		return nil, ErrNoAddress
	}
}

// Listen opens a listener for an address triple: path wins over port.
func Listen(ctx context.Context, host string, port int, path string) (net.Listener, error) {
	var lc net.ListenConfig
	switch {
	case path != "":
		return lc.Listen(ctx, "unix", path)
	case port != 0 || host != "":
		return lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	default:
		return nil, ErrNoAddress
	}
}
