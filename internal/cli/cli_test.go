package cli

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upnode/upnode-go/pkg/config"
	"github.com/upnode/upnode-go/pkg/log"
)

func parse(t *testing.T, args ...string) (*Flags, *flag.FlagSet) {
	t.Helper()
	var f Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f.Register(fs, "websocket")
	require.NoError(t, fs.Parse(args))
	return &f, fs
}

func TestResolveFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: example.org\nport: 7000\nmdns: kitchen\nping: 0\n"), 0o644))

	f, fs := parse(t, "-config", path, "-port", "7100", "-log-level", "debug")
	file, err := f.Resolve(fs)
	require.NoError(t, err)

	assert.Equal(t, "example.org", file.Host)
	assert.Equal(t, 7100, file.Port)
	assert.Equal(t, "kitchen", file.MDNS)
	assert.Equal(t, slog.LevelDebug, file.Level())
	assert.Equal(t, time.Duration(0), file.ClientOptions().Ping)
}

func TestResolveWithoutConfig(t *testing.T) {
	f, fs := parse(t, "-path", "/tmp/upnode.sock")
	file, err := f.Resolve(fs)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/upnode.sock", file.Path)
	assert.Zero(t, file.Port)
}

func TestResolveErrors(t *testing.T) {
	f, fs := parse(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := f.Resolve(fs)
	var le *config.LoadError
	assert.True(t, errors.As(err, &le))

	f, fs = parse(t, "-log-level", "loud")
	_, err = f.Resolve(fs)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(slog.LevelWarn, "", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "conn_id", "abc")
	require.NoError(t, closer.Close())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "conn_id=abc")

	file := filepath.Join(t.TempDir(), "upnode.log")
	logger, closer = NewLogger(slog.LevelInfo, file, &buf)
	logger.Info("to file")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestProtocolLogger(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, closer, err := ProtocolLogger("", quiet, slog.LevelInfo)
	require.NoError(t, err)
	assert.Nil(t, l)
	require.NoError(t, closer.Close())

	path := filepath.Join(t.TempDir(), "trace.ulog")
	l, closer, err = ProtocolLogger(path, quiet, slog.LevelDebug)
	require.NoError(t, err)
	assert.IsType(t, &log.MultiLogger{}, l)

	l.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerOverlay,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntityOverlay, NewState: "UP"},
	})
	require.NoError(t, closer.Close())

	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "UP", ev.StateChange.NewState)
}
