// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for dmrelay. It outputs text/plain in Prometheus exposition
// format without requiring the heavy prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewCollector()

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	counters  sync.Map // name -> *Counter
	gauges    sync.Map // name -> *Gauge
	startTime time.Time
}

func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// GetCounter returns (creating if needed) a named counter.
func (c *MetricsCollector) GetCounter(name, help string) *Counter {
	if v, ok := c.counters.Load(name); ok {
		return v.(*Counter)
	}
	counter := &Counter{name: name, help: help}
	actual, _ := c.counters.LoadOrStore(name, counter)
	return actual.(*Counter)
}

// GetGauge returns (creating if needed) a named gauge.
func (c *MetricsCollector) GetGauge(name, help string) *Gauge {
	if v, ok := c.gauges.Load(name); ok {
		return v.(*Gauge)
	}
	gauge := &Gauge{name: name, help: help}
	actual, _ := c.gauges.LoadOrStore(name, gauge)
	return actual.(*Gauge)
}

// Handler serves the metrics in Prometheus exposition format.
func (c *MetricsCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, c.Render())
	})
}

// Render produces the exposition text, metrics sorted by name for stable
// output.
func (c *MetricsCollector) Render() string {
	var out string

	var counters []*Counter
	c.counters.Range(func(_, v any) bool {
		counters = append(counters, v.(*Counter))
		return true
	})
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	for _, counter := range counters {
		out += fmt.Sprintf("# HELP %s %s\n", counter.name, counter.help)
		out += fmt.Sprintf("# TYPE %s counter\n", counter.name)
		out += fmt.Sprintf("%s %d\n", counter.name, counter.Value())
	}

	var gauges []*Gauge
	c.gauges.Range(func(_, v any) bool {
		gauges = append(gauges, v.(*Gauge))
		return true
	})
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
	for _, gauge := range gauges {
		out += fmt.Sprintf("# HELP %s %s\n", gauge.name, gauge.help)
		out += fmt.Sprintf("# TYPE %s gauge\n", gauge.name)
		out += fmt.Sprintf("%s %d\n", gauge.name, gauge.Value())
	}

	out += "# HELP dmrelay_uptime_seconds Process uptime in seconds\n"
	out += "# TYPE dmrelay_uptime_seconds gauge\n"
	out += fmt.Sprintf("dmrelay_uptime_seconds %d\n", int64(c.Uptime().Seconds()))
	return out
}
