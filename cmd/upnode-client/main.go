// Command upnode-client keeps a resilient connection to an upnode server
// and calls its methods interactively.
//
// The overlay reconnects whenever the stream drops. Calls made while it is
// down are queued and run once it is up again.
//
// Usage:
//
//	upnode-client [flags]
//
// Flags:
//
//	-config string        Configuration file (.yaml, .yml or .toml)
//	-host string          TCP host (default localhost)
//	-port int             TCP port
//	-path string          Unix socket path
//	-websocket string     Websocket URL, e.g. ws://localhost:8080/
//	-mdns string          Resolve the server by mDNS instance name
//	-call string          Run one command, e.g. "add [1,2]", and exit
//	-protocol-log string  Write a CBOR protocol trace to this file
//	-log-file string      Write logs to this file instead of stderr
//	-log-level string     Log level: debug, info, warn, error
//
// Examples:
//
//	upnode-client -port 7000
//	upnode-client -mdns kitchen -call "echo {\"a\":1}"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upnode/upnode-go/cmd/upnode-client/interactive"
	"github.com/upnode/upnode-go/internal/cli"
	"github.com/upnode/upnode-go/pkg/config"
	"github.com/upnode/upnode-go/pkg/connection"
	"github.com/upnode/upnode-go/pkg/discovery"
	"github.com/upnode/upnode-go/pkg/overlay"
	"github.com/upnode/upnode-go/pkg/stream"
	"github.com/upnode/upnode-go/pkg/transport"
)

var (
	flags   cli.Flags
	oneShot string
)

func init() {
	flags.Register(flag.CommandLine, "Websocket URL, e.g. ws://localhost:8080/")
	flag.StringVar(&oneShot, "call", "", "Run one command and exit")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "upnode-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file, err := flags.Resolve(flag.CommandLine)
	if err != nil {
		return err
	}

	logger, logCloser := cli.NewLogger(file.Level(), file.LogFile, os.Stderr)
	defer logCloser.Close()

	trace, traceCloser, err := cli.ProtocolLogger(file.ProtocolLog, logger, file.Level())
	if err != nil {
		return err
	}
	defer traceCloser.Close()

	opts, err := clientOptions(file)
	if err != nil {
		return err
	}
	opts.Logger = trace
	opts.Slog = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := overlay.New(nil).WithSlog(logger)
	defer node.End()

	// Interactive calls share the heartbeat timeout.
	callTimeout := opts.Timeout
	if callTimeout <= 0 {
		callTimeout = connection.DefaultTimeout
	}

	o := node.NewOverlay(opts)
	watch(o, logger)
	o.Start()

	if oneShot != "" {
		interactive.Exec(ctx, o, callTimeout, "call "+oneShot, os.Stdout)
		return nil
	}

	repl, err := interactive.New(o, callTimeout)
	if err != nil {
		return err
	}
	repl.Run(ctx)
	return nil
}

// clientOptions picks the dialer: websocket URL, then mDNS instance, then
// the host/port/path triple.
func clientOptions(file *config.File) (connection.Options, error) {
	opts := file.ClientOptions()
	switch {
	case file.WebSocket != "":
		opts.Dial = stream.WebSocket(file.WebSocket)
	case file.MDNS != "":
		opts.Dial = discovery.Dial(discovery.NewBrowser(discovery.BrowserConfig{}), file.MDNS)
	default:
		if _, err := stream.Address(opts.Host, opts.Port, opts.Path); err != nil {
			return opts, errors.New("no server given: set -port, -path, -websocket or -mdns")
		}
	}
	return opts, nil
}

func watch(o *connection.Overlay, logger *slog.Logger) {
	o.OnUp(func(r *transport.Remote) {
		logger.Info("up", "methods", r.Methods())
	})
	o.OnDown(func() {
		logger.Info("down")
	})
	o.On(connection.EventReconnect, func(connection.Event) {
		logger.Info("reconnecting", "attempts", o.Attempts())
	})
	o.OnPing(func(latency time.Duration) {
		logger.Debug("ping", "latency", latency)
	})
	o.OnError(func(err error) {
		logger.Warn("overlay error", "error", err)
	})
}
