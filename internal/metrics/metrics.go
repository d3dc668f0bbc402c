// Package metrics provides Prometheus-compatible metrics for oopstime.
//
// Counters track classified keys, alerts and lost events, gauges sample
// the window and queue, and a histogram times the notifier. The registry
// renders everything as Prometheus text or JSON for the control socket.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the Prometheus type of a metric.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// metric is what the registry knows about each series.
type metric interface {
	describe() *meta
	expose(w io.Writer)
	snapshot(into map[string]any)
	reset()
}

type meta struct {
	name string
	help string
	kind Kind
}

func (d *meta) describe() *meta { return d }

// Name returns the fully qualified metric name.
func (d *meta) Name() string { return d.name }

// Help returns the help text.
func (d *meta) Help() string { return d.help }

// Kind returns the metric type.
func (d *meta) Kind() Kind { return d.kind }

// Counter is a monotonically increasing counter.
type Counter struct {
	meta
	value atomic.Uint64
}

// NewCounter creates an unregistered Counter.
func NewCounter(name, help string) *Counter {
	return &Counter{meta: meta{name: name, help: help, kind: KindCounter}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) expose(w io.Writer) { fmt.Fprintf(w, "%s %d\n", c.name, c.Value()) }
func (c *Counter) snapshot(into map[string]any) { into[c.name] = c.Value() }
func (c *Counter) reset() { c.value.Store(0) }

// Gauge is a value that can go up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

// NewGauge creates an unregistered Gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{meta: meta{name: name, help: help, kind: KindGauge}}
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) expose(w io.Writer) { fmt.Fprintf(w, "%s %d\n", g.name, g.Value()) }
func (g *Gauge) snapshot(into map[string]any) { into[g.name] = g.Value() }
func (g *Gauge) reset() { g.value.Store(0) }

// DurationBuckets are upper bounds in seconds for notifier latency.
var DurationBuckets = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30}

// Histogram tracks the distribution of observed values. Bucket counts are
// cumulative, so counts[i] holds observations <= buckets[i] and the last
// slot is the +Inf bucket.
type Histogram struct {
	meta
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates an unregistered Histogram. buckets are sorted.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{
		meta:    meta{name: name, help: help, kind: KindHistogram},
		buckets: b,
		counts:  make([]uint64, len(b)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i := sort.SearchFloat64s(h.buckets, v); i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Time runs fn and records how long it took.
func (h *Histogram) Time(fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	h.ObserveDuration(d)
	return d
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) expose(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, bound, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.counts[len(h.buckets)])
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

func (h *Histogram) snapshot(into map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mean := 0.0
	if h.count > 0 {
		mean = h.sum / float64(h.count)
	}
	into[h.name+"_sum"] = h.sum
	into[h.name+"_count"] = h.count
	into[h.name+"_mean"] = mean
}

func (h *Histogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum, h.count = 0, 0
	clear(h.counts)
}

// Registry holds metrics under one namespace.
type Registry struct {
	mu        sync.RWMutex
	namespace string
	metrics   map[string]metric
}

// NewRegistry creates a Registry. Names registered on it are prefixed
// with namespace and an underscore.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		metrics:   make(map[string]metric),
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register returns the metric already registered under m's name, or m.
// Re-registering a name with a different kind panics.
func register[M metric](r *Registry, m M) M {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.describe().name
	if existing, ok := r.metrics[name]; ok {
		same, ok := existing.(M)
		if !ok {
			panic(fmt.Sprintf("metrics: %s already registered as %s", name, existing.describe().kind))
		}
		return same
	}
	r.metrics[name] = m
	return m
}

// Counter registers (or returns the existing) counter called name.
func (r *Registry) Counter(name, help string) *Counter {
	return register(r, NewCounter(r.fullName(name), help))
}

// Gauge registers (or returns the existing) gauge called name.
func (r *Registry) Gauge(name, help string) *Gauge {
	return register(r, NewGauge(r.fullName(name), help))
}

// Histogram registers (or returns the existing) histogram called name.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return register(r, NewHistogram(r.fullName(name), help, buckets))
}

// sorted returns the registered metrics ordered by name.
func (r *Registry) sorted() []metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].describe().name < out[j].describe().name })
	return out
}

// WritePrometheus writes every metric in Prometheus text format, sorted
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	for _, m := range r.sorted() {
		d := m.describe()
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind); err != nil {
			return err
		}
		m.expose(w)
	}
	return nil
}

// Snapshot returns the current values keyed by metric name. Histograms
// contribute _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	out := make(map[string]any)
	for _, m := range r.sorted() {
		m.snapshot(out)
	}
	return out
}

// WriteJSON writes the Snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	for _, m := range r.sorted() {
		m.reset()
	}
}
