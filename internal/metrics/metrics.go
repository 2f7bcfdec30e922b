// Package metrics is a small in-process registry for counters, timers and
// gauges. A Registry is created per agent and injected; every method is safe
// on a nil *Registry so components can run without metrics in tests.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
	Gauge   MetricType = "gauge"
)

const maxTimerSamples = 1000

// Metric represents a single metric with its metadata
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	LastUpdate  time.Time         `json:"last_update"`
}

// TimerMetric stores timing information
type TimerMetric struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum_ms"`
	Min     float64           `json:"min_ms"`
	Max     float64           `json:"max_ms"`
	Average float64           `json:"avg_ms"`
	P95     float64           `json:"p95_ms,omitempty"`
	P99     float64           `json:"p99_ms,omitempty"`
	samples []float64
}

// Registry holds all metrics in memory
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	timers    map[string]*TimerMetric
	gauges    map[string]*Metric
	startTime time.Time
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		timers:    make(map[string]*TimerMetric),
		gauges:    make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter metric
func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

// AddToCounter adds a value to a counter metric
func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	if counter, exists := r.counters[key]; exists {
		counter.Value += value
		counter.LastUpdate = time.Now()
		return
	}
	r.counters[key] = &Metric{
		Name:        name,
		Type:        Counter,
		Value:       value,
		Labels:      copyLabels(labels),
		Description: description,
		LastUpdate:  time.Now(),
	}
}

// RecordTimer records a timing measurement
func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	durationMs := float64(duration.Nanoseconds()) / 1e6

	timer, exists := r.timers[key]
	if !exists {
		r.timers[key] = &TimerMetric{
			Name:    name,
			Labels:  copyLabels(labels),
			Count:   1,
			Sum:     durationMs,
			Min:     durationMs,
			Max:     durationMs,
			Average: durationMs,
			samples: []float64{durationMs},
		}
		return
	}

	timer.Count++
	timer.Sum += durationMs
	timer.samples = append(timer.samples, durationMs)
	if durationMs < timer.Min {
		timer.Min = durationMs
	}
	if durationMs > timer.Max {
		timer.Max = durationMs
	}
	timer.Average = timer.Sum / float64(timer.Count)

	if len(timer.samples) > maxTimerSamples {
		timer.samples = timer.samples[len(timer.samples)-maxTimerSamples:]
	}
	if len(timer.samples) >= 10 {
		timer.P95 = percentile(timer.samples, 0.95)
		timer.P99 = percentile(timer.samples, 0.99)
	}
}

// SetGauge sets a gauge metric value
func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[metricKey(name, labels)] = &Metric{
		Name:        name,
		Type:        Gauge,
		Value:       value,
		Labels:      copyLabels(labels),
		Description: description,
		LastUpdate:  time.Now(),
	}
}

// CounterValue returns the current value of a counter, or 0.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[metricKey(name, labels)]; ok {
		return c.Value
	}
	return 0
}

// GaugeValue returns the current value of a gauge, or 0.
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gauges[metricKey(name, labels)]; ok {
		return g.Value
	}
	return 0
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters map[string]Metric      `json:"counters"`
	Timers   map[string]TimerMetric `json:"timers"`
	Gauges   map[string]Metric      `json:"gauges"`
	UptimeMs int64                  `json:"uptime_ms"`
	Time     int64                  `json:"timestamp"`
}

// Snapshot returns a copy of all metrics
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Counters: make(map[string]Metric),
		Timers:   make(map[string]TimerMetric),
		Gauges:   make(map[string]Metric),
		Time:     time.Now().Unix(),
	}
	if r == nil {
		return snap
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	snap.UptimeMs = time.Since(r.startTime).Milliseconds()
	for key, counter := range r.counters {
		snap.Counters[key] = *counter
	}
	for key, timer := range r.timers {
		t := *timer
		t.samples = nil
		snap.Timers[key] = t
	}
	for key, gauge := range r.gauges {
		snap.Gauges[key] = *gauge
	}
	return snap
}

// metricKey generates a stable key for a metric with labels
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("_")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(labels[k])
	}
	return b.String()
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
