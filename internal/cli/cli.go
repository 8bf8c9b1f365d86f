// Package cli holds the flag, config and logging setup shared by the
// upnode commands.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/upnode/upnode-go/pkg/config"
	"github.com/upnode/upnode-go/pkg/log"
)

// Rotation limits for log files.
const (
	LogMaxSizeMB   = 10
	LogMaxBackups  = 3
	LogMaxAgeDays  = 7
	TraceMaxSizeMB = 50
)

// Flags are the command-line settings common to server and client. Flags
// set explicitly on the command line override the config file.
type Flags struct {
	Config      string
	Host        string
	Port        int
	Path        string
	WebSocket   string
	MDNS        string
	ProtocolLog string
	LogFile     string
	LogLevel    string
}

// Register binds the flags to fs. websocketHelp describes -websocket, which
// is a listen address for servers and a URL for clients.
func (f *Flags) Register(fs *flag.FlagSet, websocketHelp string) {
	fs.StringVar(&f.Config, "config", "", "Configuration file (.yaml, .yml or .toml)")
	fs.StringVar(&f.Host, "host", "", "TCP host")
	fs.IntVar(&f.Port, "port", 0, "TCP port")
	fs.StringVar(&f.Path, "path", "", "Unix socket path (takes precedence over -port)")
	fs.StringVar(&f.WebSocket, "websocket", "", websocketHelp)
	fs.StringVar(&f.MDNS, "mdns", "", "mDNS service instance name")
	fs.StringVar(&f.ProtocolLog, "protocol-log", "", "Write a CBOR protocol trace to this file")
	fs.StringVar(&f.LogFile, "log-file", "", "Write logs to this file instead of stderr (rotated)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
}

// Resolve loads the config file, if any, and applies the flags that were
// set on fs. Call it after fs.Parse.
func (f *Flags) Resolve(fs *flag.FlagSet) (*config.File, error) {
	file := &config.File{}
	if f.Config != "" {
		var err error
		if file, err = config.Load(f.Config); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "host":
			file.Host = f.Host
		case "port":
			file.Port = f.Port
		case "path":
			file.Path = f.Path
		case "websocket":
			file.WebSocket = f.WebSocket
		case "mdns":
			file.MDNS = f.MDNS
		case "protocol-log":
			file.ProtocolLog = f.ProtocolLog
		case "log-file":
			file.LogFile = f.LogFile
		case "log-level":
			file.LogLevel = f.LogLevel
		}
	})

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

// NewLogger builds the operational logger. With a file name, output goes
// to a rotating file; otherwise to stderr.
func NewLogger(level slog.Level, file string, stderr io.Writer) (*slog.Logger, io.Closer) {
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    LogMaxSizeMB,
			MaxBackups: LogMaxBackups,
			MaxAge:     LogMaxAgeDays,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}

// ProtocolLogger opens the protocol trace. The trace file rotates like the
// log file. At debug level events are also written to logger. Returns a nil
// Logger when neither applies.
func ProtocolLogger(path string, logger *slog.Logger, level slog.Level) (log.Logger, io.Closer, error) {
	var loggers []log.Logger
	var closer io.Closer = nopCloser{}

	if path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    TraceMaxSizeMB,
			MaxBackups: LogMaxBackups,
		}
		// Open early so a bad path fails at startup, not on the first event.
		if _, err := lj.Write(nil); err != nil {
			return nil, nil, fmt.Errorf("failed to open protocol log: %w", err)
		}
		fl := log.NewWriterLogger(lj)
		loggers = append(loggers, fl)
		closer = fl
	}
	if level <= slog.LevelDebug {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}

	switch len(loggers) {
	case 0:
		return nil, closer, nil
	case 1:
		return loggers[0], closer, nil
	default:
		return log.NewMultiLogger(loggers...), closer, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
