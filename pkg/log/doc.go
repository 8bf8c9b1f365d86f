// Package log provides structured protocol logging for upnode.
//
// This package defines the Logger interface and Event types for capturing
// events at the transport, RPC and overlay layers. It is separate from
// operational logging (slog): the protocol trace is a machine-readable record
// of every frame, message, heartbeat and state change.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	opts.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	opts.Logger, _ = log.NewFileLogger("/var/log/upnode/client.ulog")
//
//	// Both: use MultiLogger
//	opts.Logger = log.NewMultiLogger(console, file)
//
// # File Format
//
// Log files are a plain sequence of CBOR-encoded events with the .ulog
// extension. The upnode-log CLI tool reads, filters and summarizes them.
package log
