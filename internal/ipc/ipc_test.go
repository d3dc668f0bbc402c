package ipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopstime/internal/config"
	"oopstime/internal/health"
	"oopstime/internal/history"
	"oopstime/internal/keystroke"
	"oopstime/internal/metrics"
	"oopstime/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeaderRoundTrip(t *testing.T) {
	msg := NewMessage(MsgSetConfig, 42, []byte(`{"count":50}`))

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Magic = 0xdeadbeef

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))
	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayload + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestSetConfigRequestApply(t *testing.T) {
	base := config.DefaultSettings()

	var empty SetConfigRequest
	assert.True(t, empty.Empty())
	assert.Equal(t, base, empty.Apply(base))

	count := 40
	allow := false
	req := SetConfigRequest{Count: &count, AfterAllow: &allow}
	assert.False(t, req.Empty())

	got := req.Apply(base)
	assert.Equal(t, 40, got.Count)
	assert.False(t, got.AfterAllow)
	assert.Equal(t, base.Threshold, got.Threshold)
	assert.Equal(t, base.Interval, got.Interval)
}

type fixture struct {
	settings *config.Store
	window   *history.Window
	queue    *keystroke.Queue
	alerts   *store.Store
	metrics  *metrics.OopsMetrics
	health   *health.Checker
	client   *IPCClient
}

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "oops")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := shortTempDir(t)
	logger := quietLogger()

	settings, _, err := config.Load(filepath.Join(dir, "config.toml"), logger)
	require.NoError(t, err)

	window, err := history.New(settings.Count(), settings)
	require.NoError(t, err)
	window.FollowCount(settings, logger)

	alerts, err := store.Open(filepath.Join(dir, "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { alerts.Close() })

	om := metrics.NewOopsMetrics(nil)
	queue := keystroke.NewQueue(8)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.PingCheck(alerts.Ping))
	checker.RegisterFunc("queue", false, health.SaturationCheck(queue.Len, queue.Cap, 0.5))

	handler, err := NewDaemonHandler(DaemonHandlerConfig{
		Version:  "test",
		Settings: settings,
		Window:   window,
		Queue:    queue,
		Alerts:   alerts,
		Metrics:  om,
		Health:   checker,
		Logger:   logger,
	})
	require.NoError(t, err)

	cfg := DefaultServerConfig(dir)
	cfg.Version = "test"
	cfg.Logger = logger
	srv, err := NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	ccfg := DefaultClientConfig(dir)
	ccfg.RequestTimeout = 2 * time.Second
	client := NewClient(ccfg)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	return &fixture{
		settings: settings,
		window:   window,
		queue:    queue,
		alerts:   alerts,
		metrics:  om,
		health:   checker,
		client:   client,
	}
}

func TestClientHandshakeAndPing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.client.IsConnected())
	assert.NotEmpty(t, f.client.ClientID())
	assert.Equal(t, "test", f.client.ServerVersion())
	require.NoError(t, f.client.Ping(ctx))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, c := range []keystroke.Code{'A', keystroke.CodeBackspace, 'B'} {
		f.window.Register(keystroke.Event{Code: c})
	}
	require.NoError(t, f.queue.TrySend(keystroke.Event{Code: 'C'}))

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 1, st.Mistakes)
	assert.Equal(t, 3, st.WindowLength)
	assert.Equal(t, 100, st.WindowCapacity)
	assert.Equal(t, 10, st.ThresholdCount)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 8, st.QueueCapacity)
}

func TestConfigGetSetSaveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.client.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), got.Settings)
	assert.Equal(t, f.settings.Path(), got.Path)

	threshold := 0.25
	count := 20
	interval := 30
	allow := false
	set, err := f.client.SetConfig(ctx, SetConfigRequest{
		Threshold:  &threshold,
		Count:      &count,
		Interval:   &interval,
		AfterAllow: &allow,
	})
	require.NoError(t, err)
	want := config.Settings{Threshold: 0.25, Count: 20, Interval: 30, AfterAllow: false}
	assert.Equal(t, want, set.Settings)
	assert.Equal(t, want, f.settings.Settings())
	assert.Equal(t, 20, f.window.Capacity(), "count change resizes the window")

	saved, err := f.client.SaveConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.settings.Path(), saved.Path)
	assert.NotZero(t, saved.SnapshotID)

	reloaded, status, err := config.Load(f.settings.Path(), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, config.LoadStatusFile, status)
	assert.Equal(t, want, reloaded.Settings())

	snap, err := f.alerts.LatestSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Count)
	assert.Equal(t, "ipc save", snap.Reason)
}

func TestSetConfigRejectsInvalidAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	count := 50
	threshold := 1.5
	_, err := f.client.SetConfig(ctx, SetConfigRequest{Count: &count, Threshold: &threshold})
	require.Error(t, err)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidConfig, remote.Code)
	assert.Contains(t, remote.Message, "threshold")

	assert.Equal(t, config.DefaultSettings(), f.settings.Settings())
	assert.Equal(t, 100, f.window.Capacity())
}

func TestSetConfigEmptyRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.SetConfig(context.Background(), SetConfigRequest{})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t)

	for _, c := range []keystroke.Code{'A', keystroke.CodeBackspace, 'B', keystroke.CodeBackspace} {
		f.window.Register(keystroke.Event{Code: c})
	}

	resp, err := f.client.ClearHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Mistakes)
	assert.Equal(t, 4, resp.Entries)
	assert.Equal(t, 0, f.window.MistakeCount())
	assert.Equal(t, 0, f.window.Len())
}

func TestRecentAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alerts, err := f.client.RecentAlerts(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := f.alerts.RecordAlert(ctx, store.Alert{
			FiredAt:  base.Add(time.Duration(i) * time.Minute),
			Mistakes: 11 + i,
			Notified: true,
		})
		require.NoError(t, err)
	}

	alerts, err = f.client.RecentAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, 13, alerts[0].Mistakes)
	assert.Equal(t, 12, alerts[1].Mistakes)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.metrics.KeysTotal.Add(7)

	text, err := f.client.Metrics(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.Contains(text, "oopstime_keys_total 7"), text)

	js, err := f.client.Metrics(ctx, "json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(js), "{"))

	_, err = f.client.Metrics(ctx, "xml")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.False(t, report.Ready)
	assert.Equal(t, []string{"queue", "store"}, report.Names())

	for i := 0; i < 4; i++ {
		require.NoError(t, f.queue.TrySend(keystroke.Event{Code: 'A'}))
	}
	f.health.SetReady(true)

	report, err = f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.True(t, report.Ready)
	assert.Equal(t, health.StatusDegraded, report.Components["queue"].Status)
}

func TestServerRefusesSecondInstance(t *testing.T) {
	dir := shortTempDir(t)
	cfg := DefaultServerConfig(dir)
	cfg.Logger = quietLogger()

	noop := HandlerFunc(func(ctx context.Context, c *Client, m *Message) (*Message, error) {
		return nil, nil
	})

	first, err := NewServer(cfg, noop)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	defer first.Stop()

	second, err := NewServer(cfg, noop)
	require.NoError(t, err)
	assert.ErrorIs(t, second.Start(), ErrAlreadyRunning)
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := shortTempDir(t)
	cfg := DefaultServerConfig(dir)
	cfg.Logger = quietLogger()
	srv, err := NewServer(cfg, HandlerFunc(func(ctx context.Context, c *Client, m *Message) (*Message, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return IsSocketListening(cfg.SocketPath) }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on stop")
}

func TestConnectWithoutDaemon(t *testing.T) {
	dir := shortTempDir(t)
	c := NewClient(DefaultClientConfig(dir))
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	dir := shortTempDir(t)
	cfg := DefaultServerConfig(dir)
	cfg.Logger = quietLogger()
	srv, err := NewServer(cfg, HandlerFunc(func(ctx context.Context, c *Client, m *Message) (*Message, error) {
		if m.Header.Type == MsgStatusRequest {
			panic("makeslice: cap out of range")
		}
		return nil, nil
	}))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	c := NewClient(DefaultClientConfig(dir))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err = c.Status(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInternalError, remote.Code)

	assert.NoError(t, c.Ping(context.Background()), "connection survives the panic")
}
