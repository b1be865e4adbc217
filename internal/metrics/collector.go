// Package metrics exposes poetbot counters, gauges and latency histograms in
// Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry.
var Default = NewRegistry()

// Registry holds every metric by name and label set.
type Registry struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Since observes the seconds elapsed from start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string {
	return name + "{" + labels + "}"
}

// Counter returns or creates a counter. labels is a preformatted label list
// such as `stage="generate"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := metricKey(name, labels)
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := metricKey(name, labels)
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

type sample struct {
	key   string
	name  string
	help  string
	kind  string
	write func(sb *strings.Builder)
}

func sortedSamples(m *sync.Map, fn func(key string, v any) sample) []sample {
	var out []sample
	m.Range(func(k, v any) bool {
		out = append(out, fn(k.(string), v))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func writeValue(sb *strings.Builder, name, labels string, v any) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %v\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %v\n", name, v)
	}
}

// WriteTo renders every metric in Prometheus exposition format, sorted by name.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP poetbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE poetbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "poetbot_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	var all []sample
	all = append(all, sortedSamples(&r.counters, func(key string, v any) sample {
		c := v.(*Counter)
		return sample{key, c.name, c.help, "counter", func(sb *strings.Builder) {
			writeValue(sb, c.name, c.labels, c.Value())
		}}
	})...)
	all = append(all, sortedSamples(&r.gauges, func(key string, v any) sample {
		g := v.(*Gauge)
		return sample{key, g.name, g.help, "gauge", func(sb *strings.Builder) {
			writeValue(sb, g.name, g.labels, g.Value())
		}}
	})...)
	all = append(all, sortedSamples(&r.histograms, func(key string, v any) sample {
		h := v.(*Histogram)
		return sample{key, h.name, h.help, "histogram", h.render}
	})...)

	helpWritten := make(map[string]bool)
	for _, s := range all {
		if !helpWritten[s.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(&sb, "# TYPE %s %s\n", s.name, s.kind)
			helpWritten[s.name] = true
		}
		s.write(&sb)
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		fmt.Fprintf(sb, "%sle=\"%g\"} %d\n", prefix, b.le, b.count)
	}
	fmt.Fprintf(sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
	writeValue(sb, h.name+"_count", h.labels, h.count)
	writeValue(sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// --- Metrics used across poetbot ---

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60}

var (
	EventsReceived = Default.Counter("poetbot_events_received_total", "Slack event requests received", "")
	EventsRejected = Default.Counter("poetbot_events_rejected_total", "Slack event requests failing signature verification", "")
	EventsIgnored  = Default.Counter("poetbot_events_ignored_total", "Events filtered out by the classifier", "")
	EventsRetried  = Default.Counter("poetbot_events_retried_total", "Slack redeliveries (X-Slack-Retry-Num present)", "")
	Duplicates     = Default.Counter("poetbot_duplicates_total", "Events skipped because they were already processed", "")

	Dispatched     = Default.Counter("poetbot_dispatched_total", "Requests handed to the dispatcher", "")
	DispatchErrors = Default.Counter("poetbot_dispatch_errors_total", "Dispatch failures", "")

	Generations      = Default.Counter("poetbot_generations_total", "Successful generations", "")
	GenerationErrors = Default.Counter("poetbot_generation_errors_total", "Generation failures", "")
	Deliveries       = Default.Counter("poetbot_deliveries_total", "Messages posted to Slack", "")
	DeliveryErrors   = Default.Counter("poetbot_delivery_errors_total", "chat.postMessage failures", "")

	JobsInFlight = Default.Gauge("poetbot_jobs_in_flight", "Jobs currently being processed", "")
	JobsParked   = Default.Counter("poetbot_jobs_parked_total", "Jobs that exhausted their retries", "")
	Pruned       = Default.Counter("poetbot_processed_pruned_total", "Processed-event records removed by retention", "")

	GenerationLatency = Default.Histogram("poetbot_generation_latency_seconds", "Generation latency in seconds", "", latencyBuckets)
)
