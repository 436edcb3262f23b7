// Package metrics keeps the node's counters, gauges and histograms and
// exposes them for scraping in the Prometheus text format or as JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType is the kind of a metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels are constant labels attached to a metric.
type Labels map[string]string

// String renders labels as {k="v",...} in key order, or "" when empty.
func (l Labels) String() string {
	return l.render("")
}

// render appends extra (already formatted, e.g. `le="1"`) to the label set.
func (l Labels) render(extra string) string {
	if len(l) == 0 && extra == "" {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	if extra != "" {
		if len(keys) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(extra)
	}
	b.WriteByte('}')
	return b.String()
}

// metric is what the registry knows how to export.
type metric interface {
	Name() string
	Help() string
	Type() MetricType
	writeSamples(w io.Writer)
	jsonValue() map[string]any
}

type desc struct {
	name   string
	help   string
	labels Labels
}

// Name returns the fully qualified metric name.
func (d *desc) Name() string {
	return d.name
}

// Help returns the help text.
func (d *desc) Help() string {
	return d.help
}

// Counter only goes up.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates an unregistered counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{desc: desc{name, help, labels}}
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

func (c *Counter) Value() uint64 {
	return c.value.Load()
}

func (c *Counter) Type() MetricType {
	return TypeCounter
}

func (c *Counter) writeSamples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels, c.Value())
}

func (c *Counter) jsonValue() map[string]any {
	return map[string]any{"value": c.Value()}
}

// Gauge holds a value that goes up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates an unregistered gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{desc: desc{name, help, labels}}
}

func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

func (g *Gauge) Add(v int64) {
	g.value.Add(v)
}

func (g *Gauge) Value() int64 {
	return g.value.Load()
}

func (g *Gauge) Type() MetricType {
	return TypeGauge
}

func (g *Gauge) writeSamples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels, g.Value())
}

func (g *Gauge) jsonValue() map[string]any {
	return map[string]any{"value": g.Value()}
}

// DefaultBuckets suit sub-second operations such as signing a frame.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// DurationBuckets suit probe cycles, which include camera captures.
var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// Histogram counts observations into buckets with le semantics.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, +Inf last
	sum    float64
	count  uint64
}

// NewHistogram creates an unregistered histogram. nil bounds use
// DefaultBuckets.
func NewHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DefaultBuckets
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		desc:   desc{name, help, labels},
		bounds: sorted,
		counts: make([]uint64, len(sorted)+1),
	}
}

func (h *Histogram) Type() MetricType {
	return TypeHistogram
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean observation, 0 when empty.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meanLocked()
}

func (h *Histogram) meanLocked() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Cumulative returns the cumulative bucket counts, +Inf last.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cumulativeLocked()
}

func (h *Histogram) cumulativeLocked() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, c := range h.counts {
		total += c
		out[i] = total
	}
	return out
}

// Percentile estimates the p-th percentile (0-100).
func (h *Histogram) Percentile(p float64) float64 {
	return Percentile(h.bounds, h.Cumulative(), p)
}

func (h *Histogram) writeSamples(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulativeLocked()
	for i, bound := range h.bounds {
		le := fmt.Sprintf("le=%q", formatBound(bound))
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render(le), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render(`le="+Inf"`), cum[len(cum)-1])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels, h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels, h.count)
}

func (h *Histogram) jsonValue() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulativeLocked()
	buckets := make(map[string]uint64, len(cum))
	for i, bound := range h.bounds {
		buckets[formatBound(bound)] = cum[i]
	}
	buckets["+Inf"] = cum[len(cum)-1]

	return map[string]any{
		"buckets": buckets,
		"sum":     h.sum,
		"count":   h.count,
		"mean":    h.meanLocked(),
	}
}

func formatBound(b float64) string {
	return fmt.Sprintf("%g", b)
}

// Registry holds metrics under namespace_subsystem_name.
type Registry struct {
	namespace string
	subsystem string

	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry creates an empty registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		namespace: namespace,
		subsystem: subsystem,
		metrics:   make(map[string]metric),
	}
}

func (r *Registry) fullName(name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.namespace, r.subsystem, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// register returns the metric already registered under name, or stores
// the one built by mk. Reusing a name for another kind panics.
func register[M metric](r *Registry, name string, mk func(full string) M) M {
	full := r.fullName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.metrics[full]; ok {
		m, ok := existing.(M)
		if !ok {
			panic(fmt.Sprintf("metrics: %s already registered as a %s", full, existing.Type()))
		}
		return m
	}
	m := mk(full)
	r.metrics[full] = m
	return m
}

// RegisterCounter registers (or returns the existing) counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter {
		return NewCounter(full, help, labels)
	})
}

// RegisterGauge registers (or returns the existing) gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge {
		return NewGauge(full, help, labels)
	})
}

// RegisterHistogram registers (or returns the existing) histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, name, func(full string) *Histogram {
		return NewHistogram(full, help, labels, bounds)
	})
}

// GetCounter returns the counter registered under name, or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, _ := r.metrics[r.fullName(name)].(*Counter)
	return c
}

func (r *Registry) sorted() []metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WritePrometheus writes every metric in the Prometheus text format,
// ordered by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	for _, m := range r.sorted() {
		fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), m.Help())
		fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type())
		m.writeSamples(w)
	}
	return nil
}

// WriteJSON writes every metric as a JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	out := make(map[string]map[string]any)
	for _, m := range r.sorted() {
		v := m.jsonValue()
		v["type"] = m.Type().String()
		v["help"] = m.Help()
		out[m.Name()] = v
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// HTTPHandler serves the Prometheus text format, or JSON when asked for
// with ?format=json or an Accept header.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("format") == "json" || strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("tripwire", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Percentile estimates the p-th percentile from cumulative counts, which
// carry one more entry than bounds (+Inf). Values are interpolated
// linearly inside a bucket; the +Inf bucket reports the last bound.
func Percentile(bounds []float64, cumulative []uint64, p float64) float64 {
	if len(bounds) == 0 || len(cumulative) == 0 || cumulative[len(cumulative)-1] == 0 {
		return 0
	}
	total := cumulative[len(cumulative)-1]
	target := uint64(math.Ceil(float64(total) * p / 100))
	if target == 0 {
		target = 1
	}

	for i, c := range cumulative {
		if c < target {
			continue
		}
		if i >= len(bounds) {
			break
		}
		lower, prev := 0.0, uint64(0)
		if i > 0 {
			lower, prev = bounds[i-1], cumulative[i-1]
		}
		return lower + (bounds[i]-lower)*float64(target-prev)/float64(c-prev)
	}
	return bounds[len(bounds)-1]
}
