// Package monitor periodically compares the mistake count against the
// configured threshold and alerts the user when it is exceeded.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"oopstime/internal/config"
	"oopstime/internal/metrics"
	"oopstime/internal/notify"
	"oopstime/internal/store"
)

// Alert text shown to the user.
const (
	AlertTitle = "OopsTime detected a lot of mistype!"
	AlertBody  = "Shall we take a coffee break?"
)

// Settings is the subset of the config store the monitor reads.
type Settings interface {
	Threshold() float64
	Count() int
	Interval() int
}

// Counter is the subset of the history window the monitor reads and resets.
type Counter interface {
	MistakeCount() int
	Len() int
	Capacity() int
	Clear()
}

// Recorder persists fired alerts.
type Recorder interface {
	RecordAlert(ctx context.Context, a store.Alert) (store.Alert, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Config holds monitor dependencies. Settings, Counter and Notifier are
// required.
type Config struct {
	Settings Settings
	Counter  Counter
	Notifier notify.Notifier
	Recorder Recorder
	Metrics  *metrics.OopsMetrics
	Logger   *slog.Logger
	Clock    Clock
}

// Result describes one tick.
type Result struct {
	Mistakes       int
	ThresholdCount int
	Interval       time.Duration
	Fired          bool
	NotifyErr      error
	Alert          *store.Alert
}

// Monitor runs the periodic threshold check.
type Monitor struct {
	settings Settings
	counter  Counter
	notifier notify.Notifier
	recorder Recorder
	metrics  *metrics.OopsMetrics
	logger   *slog.Logger
	clock    Clock
}

// New creates a monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Settings == nil || cfg.Counter == nil || cfg.Notifier == nil {
		return nil, errors.New("monitor: settings, counter and notifier are required")
	}
	m := &Monitor{
		settings: cfg.Settings,
		counter:  cfg.Counter,
		notifier: cfg.Notifier,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	return m, nil
}

// ThresholdCount returns floor(threshold * count).
func ThresholdCount(threshold float64, count int) int {
	return config.Settings{Threshold: threshold, Count: count}.ThresholdCount()
}

// intervalDuration converts the period in seconds, clamped to
// [1s, config.MaxInterval] so the wait is never zero or negative.
func intervalDuration(seconds int) time.Duration {
	switch {
	case seconds < 1:
		return time.Second
	case int64(seconds) > config.MaxInterval:
		return time.Duration(config.MaxInterval) * time.Second
	default:
		return time.Duration(seconds) * time.Second
	}
}

// Tick performs one check. The window is cleared after an alert whether or
// not the notifier succeeded, so a sustained high rate alerts once per
// refill rather than on every tick.
func (m *Monitor) Tick(ctx context.Context) (Result, error) {
	threshold := m.settings.Threshold()
	count := m.settings.Count()
	interval := m.settings.Interval()

	res := Result{
		ThresholdCount: ThresholdCount(threshold, count),
		Mistakes:       m.counter.MistakeCount(),
		Interval:       intervalDuration(interval),
	}

	m.logger.Debug(fmt.Sprintf("Current mistype count: %d, next monitoring is %s later...",
		res.Mistakes, FormatInterval(interval)))

	if m.metrics != nil {
		m.metrics.TicksTotal.Inc()
		m.metrics.ObserveWindow(res.Mistakes, m.counter.Len(), m.counter.Capacity())
		m.metrics.UpdateUptime()
	}

	if res.Mistakes <= res.ThresholdCount {
		return res, nil
	}

	res.Fired = true
	windowSize := m.counter.Len()

	start := m.clock.Now()
	res.NotifyErr = m.notifier.Show(AlertTitle, AlertBody)
	if m.metrics != nil {
		m.metrics.NotifyDuration.ObserveDuration(m.clock.Now().Sub(start))
		m.metrics.AlertsTotal.Inc()
	}
	if res.NotifyErr != nil {
		m.logger.Error("failed to notify high mistype rate", "error", res.NotifyErr)
		if m.metrics != nil {
			m.metrics.NotifyFailuresTotal.Inc()
		}
	} else {
		m.logger.Info("notified high mistype rate", "mistakes", res.Mistakes, "threshold_count", res.ThresholdCount)
	}

	if m.recorder != nil {
		a := store.Alert{
			FiredAt:        start,
			Mistakes:       res.Mistakes,
			ThresholdCount: res.ThresholdCount,
			WindowSize:     windowSize,
			Threshold:      threshold,
			Notified:       res.NotifyErr == nil,
		}
		if res.NotifyErr != nil {
			a.NotifyError = res.NotifyErr.Error()
		}
		saved, err := m.recorder.RecordAlert(ctx, a)
		if err != nil {
			m.logger.Error("failed to record alert", "error", err)
			if m.metrics != nil {
				m.metrics.AlertStoreErrors.Inc()
			}
		} else {
			res.Alert = &saved
		}
	}

	m.counter.Clear()
	if m.metrics != nil {
		m.metrics.ObserveWindow(0, 0, m.counter.Capacity())
	}
	return res, nil
}

// Run ticks until ctx is cancelled. The interval is re-read after every
// tick so configuration changes apply to the next wait.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("rate monitor started")
	defer m.logger.Info("rate monitor stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := m.Tick(ctx)
		if err != nil {
			return fmt.Errorf("monitor tick: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(res.Interval):
		}
	}
}

// FormatInterval renders seconds as H:MM:SS.
func FormatInterval(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
