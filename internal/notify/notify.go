// Package notify shows high mistake rate alerts to the user.
package notify

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrUnavailable is returned when no desktop notification service can be reached.
var ErrUnavailable = errors.New("desktop notifications unavailable")

// Notifier renders one alert. Show must not block for user interaction.
type Notifier interface {
	Show(title, body string) error
}

// Func adapts a function to Notifier.
type Func func(title, body string) error

// Show calls f.
func (f Func) Show(title, body string) error { return f(title, body) }

// Log writes alerts to a logger instead of the desktop.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Show logs the alert at warn level.
func (l *Log) Show(title, body string) error {
	l.logger.Warn(title, "body", body)
	return nil
}

// New returns the platform notifier, or a log notifier when disabled is
// set or the platform has none.
func New(logger *slog.Logger, disabled bool) Notifier {
	if disabled {
		return NewLog(logger)
	}
	n, err := newPlatformNotifier(logger)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("desktop notifications unavailable, alerts go to the log", "error", err)
		return NewLog(logger)
	}
	return n
}

// Recorder keeps every alert it is shown. Used by tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

// Alert is one recorded Show call.
type Alert struct {
	Title string
	Body  string
}

// Show records the alert and returns the configured error.
func (r *Recorder) Show(title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Title: title, Body: body})
	return r.err
}

// FailWith makes subsequent Show calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
