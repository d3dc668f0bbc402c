package metrics

import (
	"time"
)

// OopsMetrics holds all oopstime-specific metrics.
type OopsMetrics struct {
	registry *Registry
	started  time.Time

	// Counters
	KeysTotal            *Counter
	CorrectionsTotal     *Counter
	RepeatsTotal         *Counter
	NavigationSkipsTotal *Counter
	EventsDroppedTotal   *Counter
	EventsRejectedTotal  *Counter
	TicksTotal           *Counter
	AlertsTotal          *Counter
	NotifyFailuresTotal  *Counter
	AlertStoreErrors     *Counter
	ConfigReloadsTotal   *Counter

	// Gauges
	Mistakes       *Gauge
	WindowLength   *Gauge
	WindowCapacity *Gauge
	QueueDepth     *Gauge
	UptimeSeconds  *Gauge

	// Histograms
	NotifyDuration *Histogram
}

// NewOopsMetrics creates and registers all oopstime metrics. A nil
// registry gets a fresh one in the "oopstime" namespace.
func NewOopsMetrics(registry *Registry) *OopsMetrics {
	if registry == nil {
		registry = NewRegistry("oopstime")
	}

	return &OopsMetrics{
		registry: registry,
		started:  time.Now(),

		KeysTotal: registry.Counter(
			"keys_total",
			"Total number of key-down events classified",
		),
		CorrectionsTotal: registry.Counter(
			"corrections_total",
			"Total number of backspaces counted as mistake corrections",
		),
		RepeatsTotal: registry.Counter(
			"repeated_backspaces_total",
			"Total number of consecutive backspaces ignored",
		),
		NavigationSkipsTotal: registry.Counter(
			"navigation_skips_total",
			"Total number of arrow-then-backspace sequences ignored by policy",
		),
		EventsDroppedTotal: registry.Counter(
			"events_dropped_total",
			"Total number of events discarded because the queue was full",
		),
		EventsRejectedTotal: registry.Counter(
			"events_rejected_total",
			"Total number of events the capture could not enqueue",
		),
		TicksTotal: registry.Counter(
			"monitor_ticks_total",
			"Total number of rate monitor samples",
		),
		AlertsTotal: registry.Counter(
			"alerts_total",
			"Total number of high mistake rate alerts",
		),
		NotifyFailuresTotal: registry.Counter(
			"notify_failures_total",
			"Total number of alerts the notifier failed to show",
		),
		AlertStoreErrors: registry.Counter(
			"alert_store_errors_total",
			"Total number of alerts that could not be recorded",
		),
		ConfigReloadsTotal: registry.Counter(
			"config_reloads_total",
			"Total number of settings changes applied",
		),

		Mistakes: registry.Gauge(
			"mistakes",
			"Counted corrections currently in the window",
		),
		WindowLength: registry.Gauge(
			"window_length",
			"Keys currently held in the window",
		),
		WindowCapacity: registry.Gauge(
			"window_capacity",
			"Configured window size",
		),
		QueueDepth: registry.Gauge(
			"queue_depth",
			"Events waiting to be classified",
		),
		UptimeSeconds: registry.Gauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
		),

		NotifyDuration: registry.Histogram(
			"notify_duration_seconds",
			"Time taken to show an alert",
			DurationBuckets,
		),
	}
}

// Registry returns the underlying registry.
func (m *OopsMetrics) Registry() *Registry {
	return m.registry
}

// UpdateUptime updates the uptime gauge.
func (m *OopsMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(m.Uptime().Seconds()))
}

// Uptime returns the time since the metrics were created.
func (m *OopsMetrics) Uptime() time.Duration {
	return time.Since(m.started)
}

// ObserveWindow records the window state sampled by the monitor.
func (m *OopsMetrics) ObserveWindow(mistakes, length, capacity int) {
	m.Mistakes.Set(int64(mistakes))
	m.WindowLength.Set(int64(length))
	m.WindowCapacity.Set(int64(capacity))
}
