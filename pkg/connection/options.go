package connection

import (
	"log/slog"
	"time"

	"github.com/upnode/upnode-go/pkg/log"
	"github.com/upnode/upnode-go/pkg/stream"
	"github.com/upnode/upnode-go/pkg/transport"
)

// Option defaults.
const (
	// DefaultPing is the heartbeat interval.
	DefaultPing = 10 * time.Second

	// DefaultTimeout is how long a heartbeat may go unanswered.
	DefaultTimeout = 5 * time.Second

	// DefaultReconnect is the delay between connection attempts.
	DefaultReconnect = 1 * time.Second
)

// BlockFunc runs once per successful handshake, before queued invocations
// are flushed.
type BlockFunc func(remote *transport.Remote, conn *transport.Conn)

// Options configures an Overlay. The value is copied once at Connect and
// reused unchanged for every reconnect attempt.
type Options struct {
	// Host and Port address a TCP server. An empty host means localhost.
	Host string
	Port int

	// Path addresses a Unix socket and takes precedence over Port.
	Path string

	// Ping is the heartbeat interval. Zero disables heartbeats.
	Ping time.Duration

	// Timeout bounds each heartbeat. Zero uses DefaultTimeout; negative
	// waits indefinitely.
	Timeout time.Duration

	// Reconnect is the delay between attempts for the default policy.
	// Zero or negative uses DefaultReconnect.
	Reconnect time.Duration

	// Policy overrides the fixed Reconnect delay.
	Policy ReconnectPolicy

	// MaxAttempts stops reconnecting after this many consecutive attempts
	// without a handshake. Zero retries forever.
	MaxAttempts int

	// HandshakeTimeout bounds the wait for the peer's Hello. Zero waits
	// indefinitely.
	HandshakeTimeout time.Duration

	// MaxMessageSize is the transport frame limit (default: 64KB).
	MaxMessageSize uint32

	// Dial opens the stream for each attempt. Nil dials Path or Host:Port.
	Dial stream.Dialer

	// Block runs after each handshake, before the overlay reports up.
	Block BlockFunc

	// Logger receives the protocol trace (optional).
	Logger log.Logger

	// Slog is the operational logger (default: slog.Default()).
	Slog *slog.Logger
}

// DefaultOptions returns options with the standard ping, timeout and
// reconnect values and no address.
func DefaultOptions() Options {
	return Options{
		Ping:             DefaultPing,
		Timeout:          DefaultTimeout,
		Reconnect:        DefaultReconnect,
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
		MaxMessageSize:   transport.DefaultMaxMessageSize,
	}
}

func (o Options) dialer() stream.Dialer {
	if o.Dial != nil {
		return o.Dial
	}
	if o.Path != "" {
		return stream.Unix(o.Path)
	}
	return stream.TCP(o.Host, o.Port)
}

func (o Options) policy() ReconnectPolicy {
	if o.Policy != nil {
		return o.Policy
	}
	if o.Reconnect <= 0 {
		return FixedDelay(DefaultReconnect)
	}
	return FixedDelay(o.Reconnect)
}

func (o Options) heartbeatTimeout() time.Duration {
	switch {
	case o.Timeout == 0:
		return DefaultTimeout
	case o.Timeout < 0:
		return 0
	}
	return o.Timeout
}
