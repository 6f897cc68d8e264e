// Package metrics provides simple metrics collection for sqlproxy.
// Supports Prometheus exposition format for monitoring integration.
// Per-backend series are expressed with single-label vectors.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLatencyBuckets are histogram buckets in seconds suited to pool
// admission: sub-millisecond spare hits up to multi-second saturation waits.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Counter is a monotonically increasing counter.
type Counter struct {
	value uint64
	name  string
	help  string
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	c := &Counter{
		name: name,
		help: help,
	}
	defaultRegistry.register(c)
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	atomic.AddUint64(&c.value, v)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) prometheus() string {
	var sb strings.Builder
	writeHeader(&sb, c.name, c.help, "counter")
	sb.WriteString(fmt.Sprintf("%s %d\n", c.name, c.Value()))
	return sb.String()
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value int64
	name  string
	help  string
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{
		name: name,
		help: help,
	}
	defaultRegistry.register(g)
	return g
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) {
	atomic.AddInt64(&g.value, v)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

func (g *Gauge) prometheus() string {
	var sb strings.Builder
	writeHeader(&sb, g.name, g.help, "gauge")
	sb.WriteString(fmt.Sprintf("%s %d\n", g.name, g.Value()))
	return sb.String()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a new histogram metric.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	defaultRegistry.register(h)
	return h
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) prometheus() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sb strings.Builder
	writeHeader(&sb, h.name, h.help, "histogram")

	for i, b := range h.buckets {
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i]))
	}
	sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count))
	sb.WriteString(fmt.Sprintf("%s_sum %g\n", h.name, h.sum))
	sb.WriteString(fmt.Sprintf("%s_count %d\n", h.name, h.count))

	return sb.String()
}

// CounterVec is a family of counters partitioned by one label.
type CounterVec struct {
	mu       sync.RWMutex
	name     string
	help     string
	label    string
	children map[string]*Counter
}

// NewCounterVec creates a counter family keyed by label.
func NewCounterVec(name, help, label string) *CounterVec {
	v := &CounterVec{
		name:     name,
		help:     help,
		label:    label,
		children: make(map[string]*Counter),
	}
	defaultRegistry.register(v)
	return v
}

// With returns the counter for the given label value, creating it on first use.
func (v *CounterVec) With(value string) *Counter {
	v.mu.RLock()
	c, ok := v.children[value]
	v.mu.RUnlock()
	if ok {
		return c
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok = v.children[value]; !ok {
		c = &Counter{name: v.name, help: v.help}
		v.children[value] = c
	}
	return c
}

func (v *CounterVec) prometheus() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var sb strings.Builder
	writeHeader(&sb, v.name, v.help, "counter")
	for _, value := range sortedKeys(v.children) {
		sb.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", v.name, v.label, value, v.children[value].Value()))
	}
	return sb.String()
}

// GaugeVec is a family of gauges partitioned by one label.
type GaugeVec struct {
	mu       sync.RWMutex
	name     string
	help     string
	label    string
	children map[string]*Gauge
}

// NewGaugeVec creates a gauge family keyed by label.
func NewGaugeVec(name, help, label string) *GaugeVec {
	v := &GaugeVec{
		name:     name,
		help:     help,
		label:    label,
		children: make(map[string]*Gauge),
	}
	defaultRegistry.register(v)
	return v
}

// With returns the gauge for the given label value, creating it on first use.
func (v *GaugeVec) With(value string) *Gauge {
	v.mu.RLock()
	g, ok := v.children[value]
	v.mu.RUnlock()
	if ok {
		return g
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if g, ok = v.children[value]; !ok {
		g = &Gauge{name: v.name, help: v.help}
		v.children[value] = g
	}
	return g
}

func (v *GaugeVec) prometheus() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var sb strings.Builder
	writeHeader(&sb, v.name, v.help, "gauge")
	for _, value := range sortedKeys(v.children) {
		sb.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", v.name, v.label, value, v.children[value].Value()))
	}
	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, kind))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// metric is the interface for all metric types.
type metric interface {
	prometheus() string
}

// Registry holds all registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// defaultRegistry is the global metric registry.
var defaultRegistry = &Registry{
	metrics: make(map[string]metric),
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := m.(type) {
	case *Counter:
		r.metrics[v.name] = m
	case *Gauge:
		r.metrics[v.name] = m
	case *Histogram:
		r.metrics[v.name] = m
	case *CounterVec:
		r.metrics[v.name] = m
	case *GaugeVec:
		r.metrics[v.name] = m
	}
}

// Expose returns all metrics in Prometheus exposition format.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range sortedKeys(r.metrics) {
		sb.WriteString(r.metrics[name].prometheus())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Expose returns the default registry in Prometheus exposition format.
func Expose() string {
	return defaultRegistry.Expose()
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(defaultRegistry.Expose()))
	})
}

// Process-level metrics for sqlproxy
var (
	// Uptime
	StartTime = NewGauge("sqlproxy_start_time_seconds", "Unix timestamp when the proxy started")

	// Admin API rate limiting
	RateLimitRejections = NewCounter("sqlproxy_admin_ratelimit_rejections_total", "Total admin requests rejected by rate limiting")

	// Configured backends
	BackendsTotal = NewGauge("sqlproxy_backends_total", "Number of configured backends")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
