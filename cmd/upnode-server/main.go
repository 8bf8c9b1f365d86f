// Command upnode-server serves a set of demo methods to upnode clients.
//
// Clients connect over TCP, a Unix socket or a websocket. The server can
// advertise itself via mDNS so clients find it by instance name.
//
// Usage:
//
//	upnode-server [flags]
//
// Flags:
//
//	-config string        Configuration file (.yaml, .yml or .toml)
//	-host string          TCP host
//	-port int             TCP port
//	-path string          Unix socket path
//	-websocket string     Websocket listen address, e.g. :8080
//	-mdns string          Advertise the TCP listener under this instance name
//	-protocol-log string  Write a CBOR protocol trace to this file
//	-log-file string      Write logs to this file instead of stderr
//	-log-level string     Log level: debug, info, warn, error
//
// Examples:
//
//	# Listen on TCP port 7000 and advertise as "kitchen"
//	upnode-server -port 7000 -mdns kitchen
//
//	# Serve websockets and a Unix socket, with a protocol trace
//	upnode-server -websocket :8080 -path /tmp/upnode.sock -protocol-log server.ulog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/upnode/upnode-go/internal/cli"
	"github.com/upnode/upnode-go/pkg/discovery"
	"github.com/upnode/upnode-go/pkg/overlay"
	"github.com/upnode/upnode-go/pkg/stream"
	"github.com/upnode/upnode-go/pkg/transport"
)

var flags cli.Flags

func init() {
	flags.Register(flag.CommandLine, "Websocket listen address, e.g. :8080")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "upnode-server: %v\n", err)
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

	opts := file.ServerOptions()
	listenSocket := opts.Path != "" || opts.Port != 0 || opts.Host != ""
	if !listenSocket && file.WebSocket == "" {
		return errors.New("nothing to listen on: set -port, -path or -websocket")
	}
	if file.MDNS != "" && (opts.Path != "" || !listenSocket) {
		return errors.New("-mdns needs a TCP listener")
	}

	opts.Logger = trace
	opts.Slog = logger
	opts.OnRemote = func(h *transport.Handle, r *transport.Remote) {
		logger.Info("client connected", "conn_id", h.ID(), "methods", r.Methods())
	}
	opts.OnDisconnect = func(h *transport.Handle) {
		logger.Info("client disconnected", "conn_id", h.ID())
	}
	opts.OnError = func(err error) {
		logger.Warn("connection error", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := overlay.New(demoMethods).WithSlog(logger)
	g, gctx := errgroup.WithContext(ctx)

	if listenSocket {
		l, err := node.Listen(gctx, opts)
		if err != nil {
			return err
		}
		if file.MDNS != "" {
			adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{})
			port := l.Addr().(*net.TCPAddr).Port
			methods := transport.Expose(demoMethods, nil).Names()
			if err := adv.Advertise(gctx, file.MDNS, port, methods); err != nil {
				node.End()
				return err
			}
			defer adv.StopAll()
			logger.Info("advertising", "instance", file.MDNS, "port", port)
		}
	}

	if file.WebSocket != "" {
		wl := node.NewListener(opts)
		srv := &http.Server{
			Addr: file.WebSocket,
			Handler: stream.WebSocketHandler(func(rw io.ReadWriteCloser) {
				if _, err := wl.Serve(rw); err != nil {
					logger.Warn("websocket serve failed", "error", err)
				}
			}, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving websockets", "addr", file.WebSocket)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		for _, l := range node.Listeners() {
			if err := l.Shutdown(); err != nil {
				logger.Warn("listener shutdown", "error", err)
			}
		}
		return node.End()
	})
	return g.Wait()
}
