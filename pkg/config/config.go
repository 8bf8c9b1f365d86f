// Package config loads upnode peer settings from YAML or TOML files.
//
// Durations are integers in milliseconds, matching the connection options:
//
//	host: example.org
//	port: 7000
//	ping: 10000       # 0 disables heartbeats
//	timeout: 5000
//	reconnect: 1000
//	reconnect_policy: backoff
//	backoff_max: 60000
//	max_attempts: 0   # 0 retries forever
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/upnode/upnode-go/pkg/connection"
	"github.com/upnode/upnode-go/pkg/server"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Reconnect policy names.
const (
	PolicyFixed   = "fixed"
	PolicyBackoff = "backoff"
)

var (
	ErrUnknownFormat = errors.New("unknown config format")
	ErrInvalid       = errors.New("invalid config")
)

// LoadError describes a configuration file that could not be used.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File == "" {
		return msg
	}
	return e.File + ": " + msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// File is the on-disk configuration shared by the client and server
// commands. Pointer fields distinguish "absent" from an explicit zero.
type File struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	Path string `yaml:"path" toml:"path"`

	Ping             *int64 `yaml:"ping" toml:"ping"`
	Timeout          *int64 `yaml:"timeout" toml:"timeout"`
	Reconnect        *int64 `yaml:"reconnect" toml:"reconnect"`
	HandshakeTimeout *int64 `yaml:"handshake_timeout" toml:"handshake_timeout"`

	ReconnectPolicy string `yaml:"reconnect_policy" toml:"reconnect_policy"`
	BackoffMax      int64  `yaml:"backoff_max" toml:"backoff_max"`
	MaxAttempts     int    `yaml:"max_attempts" toml:"max_attempts"`
	MaxMessageSize  uint32 `yaml:"max_message_size" toml:"max_message_size"`

	// WebSocket is a listen address for servers and a ws:// URL for clients.
	WebSocket string `yaml:"websocket" toml:"websocket"`

	// MDNS is the service instance name to advertise or browse for.
	MDNS string `yaml:"mdns" toml:"mdns"`

	ProtocolLog string `yaml:"protocol_log" toml:"protocol_log"`
	LogFile     string `yaml:"log_file" toml:"log_file"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "unsupported file", Cause: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	f, err := Parse(data, format)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return f, nil
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, &LoadError{Message: "failed to parse TOML", Cause: err}
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, &LoadError{Message: fmt.Sprintf("unknown key %q", undecoded[0].String())}
		}
	default:
		return nil, &LoadError{Message: "unsupported format", Cause: fmt.Errorf("%w: %q", ErrUnknownFormat, format)}
	}

	if err := f.Validate(); err != nil {
		return nil, &LoadError{Message: "validation failed", Cause: err}
	}
	return &f, nil
}

// Validate checks value ranges and the policy name.
func (f *File) Validate() error {
	for name, v := range map[string]*int64{
		"ping":              f.Ping,
		"timeout":           f.Timeout,
		"reconnect":         f.Reconnect,
		"handshake_timeout": f.HandshakeTimeout,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, f.Port)
	}
	if f.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalid)
	}
	if f.BackoffMax < 0 {
		return fmt.Errorf("%w: backoff_max must not be negative", ErrInvalid)
	}
	switch f.ReconnectPolicy {
	case "", PolicyFixed, PolicyBackoff:
	default:
		return fmt.Errorf("%w: reconnect_policy %q (want %q or %q)", ErrInvalid, f.ReconnectPolicy, PolicyFixed, PolicyBackoff)
	}
	if f.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
		}
	}
	return nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ClientOptions converts the file into overlay options. Absent values keep
// the connection defaults.
func (f *File) ClientOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.Host = f.Host
	opts.Port = f.Port
	opts.Path = f.Path
	if f.Ping != nil {
		opts.Ping = ms(*f.Ping)
	}
	if f.Timeout != nil {
		opts.Timeout = ms(*f.Timeout)
	}
	if f.Reconnect != nil && *f.Reconnect > 0 {
		opts.Reconnect = ms(*f.Reconnect)
	}
	if f.HandshakeTimeout != nil {
		opts.HandshakeTimeout = ms(*f.HandshakeTimeout)
	}
	if f.MaxMessageSize > 0 {
		opts.MaxMessageSize = f.MaxMessageSize
	}
	opts.MaxAttempts = f.MaxAttempts
	if f.ReconnectPolicy == PolicyBackoff {
		opts.Policy = connection.NewBackoff(connection.BackoffConfig{
			Initial:    opts.Reconnect,
			Max:        ms(f.BackoffMax),
			Multiplier: connection.BackoffMultiplier,
			Jitter:     connection.JitterFactor,
		})
	}
	return opts
}

// ServerOptions converts the file into listener options.
func (f *File) ServerOptions() server.Options {
	opts := server.DefaultOptions()
	opts.Host = f.Host
	opts.Port = f.Port
	opts.Path = f.Path
	if f.HandshakeTimeout != nil {
		opts.HandshakeTimeout = ms(*f.HandshakeTimeout)
	}
	if f.MaxMessageSize > 0 {
		opts.MaxMessageSize = f.MaxMessageSize
	}
	return opts
}

// Level returns the configured log level, Info when unset.
func (f *File) Level() slog.Level {
	var lvl slog.Level
	if f.LogLevel != "" {
		_ = lvl.UnmarshalText([]byte(f.LogLevel))
	}
	return lvl
}
