// Package metrics implements the in-process metric registry behind the
// daemon's /metrics endpoint. Counters, gauges, and histograms are exposed
// in Prometheus text format or as JSON, depending on the Accept header.
package metrics

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels attach constant key/value pairs to a metric series.
type Labels map[string]string

// suffix renders the {k="v",...} form, keys sorted. Empty labels render as
// the empty string so unlabeled series stay bare.
func (l Labels) suffix() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(l)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(l[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Counter only goes up.
type Counter struct {
	name   string
	help   string
	labels Labels
	n      atomic.Uint64
}

func (c *Counter) Inc() { c.n.Add(1) }

func (c *Counter) Add(v uint64) { c.n.Add(v) }

func (c *Counter) Value() uint64 { return c.n.Load() }

// Gauge holds an instantaneous value.
type Gauge struct {
	name   string
	help   string
	labels Labels
	v      atomic.Int64
}

func (g *Gauge) Set(v int64) { g.v.Store(v) }

func (g *Gauge) Inc() { g.v.Add(1) }

func (g *Gauge) Dec() { g.v.Add(-1) }

func (g *Gauge) Add(v int64) { g.v.Add(v) }

func (g *Gauge) Value() int64 { return g.v.Load() }

// DefaultBuckets suit generic latency-like observations.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// DurationBuckets extend the defaults for operations that may block for
// tens of seconds (publish retries, slow stores).
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Histogram tracks a distribution over fixed upper bounds. Observations
// land in exactly one slot; cumulative le counts are computed at
// exposition time.
type Histogram struct {
	name   string
	help   string
	labels Labels
	bounds []float64

	mu    sync.Mutex
	slots []uint64 // one per bound, plus the overflow slot
	sum   float64
	n     uint64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	// Smallest bound >= v; equality belongs to that bucket (le semantics).
	i, _ := slices.BinarySearch(h.bounds, v)

	h.mu.Lock()
	h.slots[i]++
	h.sum += v
	h.n++
	h.mu.Unlock()
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Mean returns the average of all observations, zero when empty.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.sum / float64(h.n)
}

// Timer starts measuring now; Stop observes the elapsed time.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{h: h, start: time.Now()}
}

// HistogramTimer is a one-shot stopwatch bound to a histogram.
type HistogramTimer struct {
	h     *Histogram
	start time.Time
}

// Stop records the elapsed duration and returns it.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.h.ObserveDuration(d)
	return d
}

// Registry is a set of named metrics. Registration is idempotent per name,
// and exposition walks metrics in registration order so scrapes and tests
// see stable output.
type Registry struct {
	prefix string

	mu     sync.RWMutex
	byName map[string]any
	order  []string
}

// NewRegistry creates a registry whose metric names carry the given
// namespace and subsystem prefixes (either may be empty).
func NewRegistry(namespace, subsystem string) *Registry {
	prefix := ""
	for _, part := range []string{namespace, subsystem} {
		if part != "" {
			prefix += part + "_"
		}
	}
	return &Registry{
		prefix: prefix,
		byName: make(map[string]any),
	}
}

// RegisterCounter returns the counter with this name, creating it on first
// use.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	full := r.prefix + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[full]; ok {
		return existing.(*Counter)
	}
	c := &Counter{name: full, help: help, labels: labels}
	r.byName[full] = c
	r.order = append(r.order, full)
	return c
}

// RegisterGauge returns the gauge with this name, creating it on first use.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	full := r.prefix + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[full]; ok {
		return existing.(*Gauge)
	}
	g := &Gauge{name: full, help: help, labels: labels}
	r.byName[full] = g
	r.order = append(r.order, full)
	return g
}

// RegisterHistogram returns the histogram with this name, creating it on
// first use. Nil buckets fall back to DefaultBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	full := r.prefix + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[full]; ok {
		return existing.(*Histogram)
	}
	if buckets == nil {
		buckets = DefaultBuckets
	}
	bounds := slices.Clone(buckets)
	slices.Sort(bounds)
	h := &Histogram{
		name:   full,
		help:   help,
		labels: labels,
		bounds: bounds,
		slots:  make([]uint64, len(bounds)+1),
	}
	r.byName[full] = h
	r.order = append(r.order, full)
	return h
}

// WritePrometheus writes every metric in the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range r.order {
		switch m := r.byName[name].(type) {
		case *Counter:
			writeHeader(&b, m.name, m.help, "counter")
			b.WriteString(m.name)
			b.WriteString(m.labels.suffix())
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(m.Value(), 10))
			b.WriteByte('\n')
		case *Gauge:
			writeHeader(&b, m.name, m.help, "gauge")
			b.WriteString(m.name)
			b.WriteString(m.labels.suffix())
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(m.Value(), 10))
			b.WriteByte('\n')
		case *Histogram:
			writeHeader(&b, m.name, m.help, "histogram")
			m.writeSamples(&b)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(help)
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

// writeSamples emits the _bucket/_sum/_count series. Caller holds the
// registry read lock; the histogram lock covers the slots.
func (h *Histogram) writeSamples(b *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	plain := h.labels.suffix()
	var cum uint64
	for i, bound := range h.bounds {
		cum += h.slots[i]
		writeBucket(b, h.name, h.labels, strconv.FormatFloat(bound, 'g', -1, 64), cum)
	}
	cum += h.slots[len(h.bounds)]
	writeBucket(b, h.name, h.labels, "+Inf", cum)

	b.WriteString(h.name)
	b.WriteString("_sum")
	b.WriteString(plain)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(h.sum, 'g', -1, 64))
	b.WriteByte('\n')
	b.WriteString(h.name)
	b.WriteString("_count")
	b.WriteString(plain)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(h.n, 10))
	b.WriteByte('\n')
}

func writeBucket(b *strings.Builder, name string, labels Labels, le string, cum uint64) {
	withLE := make(Labels, len(labels)+1)
	maps.Copy(withLE, labels)
	withLE["le"] = le

	b.WriteString(name)
	b.WriteString("_bucket")
	b.WriteString(withLE.suffix())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(cum, 10))
	b.WriteByte('\n')
}

// sample is the JSON exposition shape for one metric.
type sample struct {
	Type    string            `json:"type"`
	Help    string            `json:"help,omitempty"`
	Labels  Labels            `json:"labels,omitempty"`
	Value   any               `json:"value,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
	Sum     float64           `json:"sum,omitempty"`
	Count   uint64            `json:"count,omitempty"`
	Mean    float64           `json:"mean,omitempty"`
}

// WriteJSON writes every metric as an indented JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]sample, len(r.order))
	for _, name := range r.order {
		switch m := r.byName[name].(type) {
		case *Counter:
			out[name] = sample{Type: "counter", Help: m.help, Labels: m.labels, Value: m.Value()}
		case *Gauge:
			out[name] = sample{Type: "gauge", Help: m.help, Labels: m.labels, Value: m.Value()}
		case *Histogram:
			m.mu.Lock()
			buckets := make(map[string]uint64, len(m.bounds)+1)
			var cum uint64
			for i, bound := range m.bounds {
				cum += m.slots[i]
				buckets[strconv.FormatFloat(bound, 'g', -1, 64)] = cum
			}
			cum += m.slots[len(m.bounds)]
			buckets["+Inf"] = cum
			s := sample{
				Type:    "histogram",
				Help:    m.help,
				Labels:  m.labels,
				Buckets: buckets,
				Sum:     m.sum,
				Count:   m.n,
			}
			if m.n > 0 {
				s.Mean = m.sum / float64(m.n)
			}
			m.mu.Unlock()
			out[name] = s
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// HTTPHandler serves the registry. JSON when asked for, Prometheus text
// otherwise.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("proctord", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
