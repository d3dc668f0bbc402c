// Package daemon wires capture, classification, monitoring and control
// into one process and supervises them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"oopstime/internal/config"
	"oopstime/internal/health"
	"oopstime/internal/history"
	"oopstime/internal/ipc"
	"oopstime/internal/keystroke"
	"oopstime/internal/logging"
	"oopstime/internal/metrics"
	"oopstime/internal/monitor"
	"oopstime/internal/notify"
	"oopstime/internal/store"
)

// Version is reported over IPC and in the state file.
var Version = "dev"

// AlertRetention is how long fired alerts are kept in the store.
const AlertRetention = 30 * 24 * time.Hour

// UnitError reports the failure of one supervised unit.
type UnitError struct {
	Unit string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Deps replaces platform pieces, mainly for tests. Zero fields get the
// platform defaults.
type Deps struct {
	Capture  keystroke.Capture
	Notifier notify.Notifier
	Clock    monitor.Clock
}

// Daemon owns every long-lived component.
type Daemon struct {
	opts   config.Options
	logger *slog.Logger

	settings   *config.Store
	loadStatus config.LoadStatus

	queue      *keystroke.Queue
	capture    keystroke.Capture
	window     *history.Window
	classifier *history.Classifier
	monitor    *monitor.Monitor
	notifier   notify.Notifier
	alerts     *store.Store
	metrics    *metrics.OopsMetrics
	server     *ipc.Server
	pid        *Manager
	crashes    *logging.CrashHandler
	health     *health.Checker

	startedAt time.Time
}

// New builds a daemon from opts. Nothing runs until Run.
func New(opts config.Options, logger *slog.Logger, deps Deps) (*Daemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		opts:      opts,
		logger:    logger,
		metrics:   metrics.NewOopsMetrics(nil),
		crashes:   logging.NewCrashHandler(filepath.Join(opts.DataDir, "crashes"), Version),
		startedAt: time.Now(),
	}

	settings, status, err := config.Load(opts.ConfigPath, logger.With("component", "config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	d.settings = settings
	d.loadStatus = status
	logger.Info("config loaded", "path", opts.ConfigPath, "source", status.String())

	d.window, err = history.New(settings.Count(), settings)
	if err != nil {
		return nil, fmt.Errorf("create history: %w", err)
	}
	d.window.FollowCount(settings, logger.With("component", "history"))
	settings.OnChange(func(old, next config.Settings) {
		d.metrics.ConfigReloadsTotal.Inc()
		d.metrics.ObserveWindow(d.window.MistakeCount(), d.window.Len(), d.window.Capacity())
	})

	d.queue = keystroke.NewQueue(opts.QueueSize)
	d.queue.OnDrop(d.metrics.EventsDroppedTotal.Inc)

	d.capture = deps.Capture
	if d.capture == nil {
		if opts.Simulate {
			d.capture = keystroke.NewSimulated(logger.With("component", "capture"))
		} else {
			d.capture = keystroke.New(logger.With("component", "capture"))
		}
	}

	d.notifier = deps.Notifier
	if d.notifier == nil {
		d.notifier = notify.New(logger.With("component", "notify"), opts.NoNotify)
	}

	d.alerts, err = store.Open(opts.DBPath)
	if err != nil {
		d.closeNotifier()
		return nil, fmt.Errorf("open alert store: %w", err)
	}

	d.classifier = history.NewClassifier(d.window, d.metrics, logger.With("component", "classifier"))

	var recorder monitor.Recorder = d.alerts
	d.monitor, err = monitor.New(monitor.Config{
		Settings: settings,
		Counter:  d.window,
		Notifier: d.notifier,
		Recorder: recorder,
		Metrics:  d.metrics,
		Logger:   logger.With("component", "monitor"),
		Clock:    deps.Clock,
	})
	if err != nil {
		d.alerts.Close()
		d.closeNotifier()
		return nil, err
	}

	d.health = d.newHealthChecker()

	handler, err := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:   Version,
		StartedAt: d.startedAt,
		Settings:  settings,
		Window:    d.window,
		Queue:     d.queue,
		Capture:   d.capture,
		Alerts:    d.alerts,
		Metrics:   d.metrics,
		Health:    d.health,
		Logger:    logger.With("component", "ipc"),
	})
	if err != nil {
		d.alerts.Close()
		d.closeNotifier()
		return nil, err
	}

	scfg := ipc.DefaultServerConfig(opts.DataDir)
	scfg.SocketPath = opts.SocketPath
	scfg.Version = Version
	scfg.Logger = logger.With("component", "ipc")
	d.server, err = ipc.NewServer(scfg, handler)
	if err != nil {
		d.alerts.Close()
		d.closeNotifier()
		return nil, err
	}

	if opts.PIDFile != "" {
		d.pid = NewManager(opts.PIDFile)
	}

	return d, nil
}

// newHealthChecker registers the component checks served over IPC.
func (d *Daemon) newHealthChecker() *health.Checker {
	c := health.NewChecker()

	c.RegisterFunc("capture", true, func(ctx context.Context) health.CheckResult {
		stats := d.capture.Stats()
		details := map[string]any{"delivered": stats.Delivered, "rejected": stats.Rejected}
		if ok, reason := d.capture.Available(); !ok {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: reason, Details: details}
		}
		return health.CheckResult{Status: health.StatusHealthy, Details: details}
	})
	c.RegisterFunc("store", true, health.PingCheck(d.alerts.Ping))
	c.RegisterFunc("queue", false, health.SaturationCheck(d.queue.Len, d.queue.Cap, 0.9))
	c.RegisterFunc("config", false, func(ctx context.Context) health.CheckResult {
		if d.loadStatus == config.LoadStatusDefaults {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "settings file unusable, running on defaults",
				Details: map[string]any{"path": d.settings.Path()},
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})

	return c
}

// Settings returns the live config store.
func (d *Daemon) Settings() *config.Store { return d.settings }

// LoadStatus reports where the settings came from at startup.
func (d *Daemon) LoadStatus() config.LoadStatus { return d.loadStatus }

// Window returns the keystroke history.
func (d *Daemon) Window() *history.Window { return d.window }

// Capture returns the keyboard capture in use.
func (d *Daemon) Capture() keystroke.Capture { return d.capture }

// Metrics returns the daemon metrics.
func (d *Daemon) Metrics() *metrics.OopsMetrics { return d.metrics }

// Crashes returns the crash report writer.
func (d *Daemon) Crashes() *logging.CrashHandler { return d.crashes }

// Health returns the component health checker.
func (d *Daemon) Health() *health.Checker { return d.health }

// Alerts returns the alert store. It is closed when Run returns.
func (d *Daemon) Alerts() *store.Store { return d.alerts }

// Run starts every unit and blocks until ctx is cancelled or a unit fails.
// A capture that cannot be installed is fatal.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.alerts.Close()
	defer d.closeNotifier()

	if d.pid != nil {
		if err := d.pid.Acquire(); err != nil {
			return err
		}
		defer d.pid.Cleanup()
		if err := d.pid.WriteState(&State{
			PID:        os.Getpid(),
			StartedAt:  d.startedAt,
			Version:    Version,
			SocketPath: d.opts.SocketPath,
			ConfigPath: d.opts.ConfigPath,
		}); err != nil {
			d.logger.Warn("failed to write state file", "error", err)
		}
	}

	if ok, reason := d.capture.Available(); !ok {
		return fmt.Errorf("%w: %s", keystroke.ErrNotAvailable, reason)
	}

	d.pruneAlerts(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.unit("capture", func() error { return d.runCapture(gctx) }))
	g.Go(d.unit("classifier", func() error { return d.classifier.Run(gctx, d.queue) }))
	g.Go(d.unit("monitor", func() error { return d.monitor.Run(gctx) }))
	g.Go(d.unit("config-watch", func() error { return d.settings.Watch(gctx) }))
	g.Go(d.unit("ipc", func() error { return d.server.Serve(gctx) }))

	d.health.SetReady(true)
	d.logger.Info("oopstime started",
		"version", Version,
		"threshold", d.settings.Threshold(),
		"count", d.settings.Count(),
		"interval", d.settings.Interval(),
		"socket", d.opts.SocketPath,
	)

	err := g.Wait()
	d.health.SetReady(false)
	d.queue.Close()

	if err != nil {
		d.logger.Error("oopstime stopped", "error", err)
		return err
	}
	d.logger.Info("oopstime stopped")
	return nil
}

// pruneAlerts drops alerts older than AlertRetention. Failures are logged
// and startup continues.
func (d *Daemon) pruneAlerts(ctx context.Context) {
	cutoff := time.Now().Add(-AlertRetention)
	removed, err := d.alerts.PruneBefore(ctx, cutoff)
	if err != nil {
		d.logger.Warn("failed to prune alert history", "error", err)
		return
	}
	kept, err := d.alerts.CountSince(ctx, cutoff)
	if err != nil {
		d.logger.Warn("failed to count alert history", "error", err)
		return
	}
	d.logger.Debug("alert history pruned", "removed", removed, "kept", kept)
}

// closeNotifier releases notifiers that hold a connection, such as the
// D-Bus session bus.
func (d *Daemon) closeNotifier() {
	c, ok := d.notifier.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		d.logger.Warn("failed to close notifier", "error", err)
	}
}

// runCapture installs the listener and removes it on cancellation.
func (d *Daemon) runCapture(ctx context.Context) error {
	sink := func(ev keystroke.Event) error {
		if err := d.queue.TrySend(ev); err != nil {
			d.metrics.EventsRejectedTotal.Inc()
			return err
		}
		return nil
	}

	if err := d.capture.Start(ctx, sink); err != nil {
		return fmt.Errorf("install keyboard listener: %w", err)
	}
	<-ctx.Done()

	if err := d.capture.Stop(); err != nil && !errors.Is(err, keystroke.ErrNotRunning) {
		d.logger.Warn("failed to remove keyboard listener", "error", err)
	}
	return nil
}

// unit wraps fn so a panic becomes a *UnitError and ends the group.
func (d *Daemon) unit(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				d.logger.Error("unit panicked", "unit", name, "panic", r, "stack", string(stack))
				if d.crashes != nil {
					if _, cerr := d.crashes.HandlePanic(name, r, stack); cerr != nil {
						d.logger.Warn("failed to write crash report", "error", cerr)
					}
				}
				err = &UnitError{Unit: name, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := fn(); err != nil {
			return &UnitError{Unit: name, Err: err}
		}
		return nil
	}
}
