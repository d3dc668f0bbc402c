package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopstime/internal/config"
	"oopstime/internal/daemon"
	"oopstime/internal/ipc"
	"oopstime/internal/keystroke"
	"oopstime/internal/notify"
)

type fixture struct {
	opts config.Options
	sim  *keystroke.Simulated
	d    *daemon.Daemon
}

func startDaemon(t *testing.T) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "oopsctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := *config.DefaultOptions()
	opts.DataDir = dir
	opts.ConfigPath = filepath.Join(dir, "config.toml")
	opts.SocketPath = filepath.Join(dir, "oopstime.sock")
	opts.PIDFile = filepath.Join(dir, "oopstime.pid")
	opts.DBPath = filepath.Join(dir, "alerts.db")
	opts.LogOutput = "stderr"
	require.NoError(t, os.WriteFile(opts.ConfigPath, []byte("threshold = 0.5\ncount = 10\ninterval = 3600\nafterallow = true\n"), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := keystroke.NewSimulated(logger)
	d, err := daemon.New(opts, logger, daemon.Deps{Capture: sim, Notifier: &notify.Recorder{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	require.Eventually(t, func() bool { return ipc.IsSocketListening(opts.SocketPath) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, sim.IsRunning, 3*time.Second, 10*time.Millisecond)
	return &fixture{opts: opts, sim: sim, d: d}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--socket", f.opts.SocketPath, "--pid-file", f.opts.PIDFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCtlAgainstDaemon(t *testing.T) {
	f := startDaemon(t)

	out, err := f.run(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "pong")

	require.NoError(t, f.sim.Type('A', keystroke.CodeBackspace, 'B'))
	require.Eventually(t, func() bool { return f.d.Window().Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "1 (alert above 5)")
	assert.Contains(t, out, "3 / 10 keys")

	out, err = f.run(t, "config", "set", "--count", "20", "--afterallow=false", "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "count       20")
	assert.Equal(t, 20, f.d.Window().Capacity())

	saved, err := os.ReadFile(f.opts.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "count = 20")
	assert.Contains(t, string(saved), "afterallow = false")

	_, err = f.run(t, "config", "set", "--threshold", "2")
	assert.Error(t, err)

	_, err = f.run(t, "config", "set")
	assert.Error(t, err)

	out, err = f.run(t, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 3 keys (1 mistakes)")
	assert.Equal(t, 0, f.d.Window().Len())

	out, err = f.run(t, "alerts")
	require.NoError(t, err)
	assert.Contains(t, out, "no alerts")

	out, err = f.run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy (ready: true)")

	out, err = f.run(t, "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "oopstime_")
}

func TestCtlWithoutDaemon(t *testing.T) {
	dir := t.TempDir()
	f := &fixture{opts: config.Options{
		SocketPath: filepath.Join(dir, "none.sock"),
		PIDFile:    filepath.Join(dir, "none.pid"),
	}}

	_, err := f.run(t, "status")
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)

	_, err = f.run(t, "stop")
	assert.Error(t, err)
}
