// Package metrics provides a small Prometheus-text-format collector so the
// status surface can be scraped without pulling in client_golang.
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

// Collector is the process-wide metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	counters  sync.Map // name -> *Counter
	gauges    sync.Map // name -> *Gauge
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
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
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	if v, ok := c.counters.Load(name); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help}
	actual, _ := c.counters.LoadOrStore(name, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	if v, ok := c.gauges.Load(name); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help}
	actual, _ := c.gauges.LoadOrStore(name, g)
	return actual.(*Gauge)
}

// Handler renders the metrics in Prometheus text exposition format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP replybot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE replybot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "replybot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		var counters []*Counter
		c.counters.Range(func(_, value any) bool {
			counters = append(counters, value.(*Counter))
			return true
		})
		sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
		for _, ctr := range counters {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}

		var gauges []*Gauge
		c.gauges.Range(func(_, value any) bool {
			gauges = append(gauges, value.(*Gauge))
			return true
		})
		sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
		for _, g := range gauges {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
		}

		fmt.Fprint(w, sb.String())
	}
}

// Pre-defined metrics used across the engine.
var (
	CommandsTotal     = Collector.Counter("replybot_commands_total", "Total commands executed")
	CommandFailures   = Collector.Counter("replybot_command_failures_total", "Commands that ended in failed status")
	RepliesSent       = Collector.Counter("replybot_replies_sent_total", "Auto-replies delivered")
	RepliesFailed     = Collector.Counter("replybot_replies_failed_total", "Auto-replies that exhausted their attempts")
	DuplicatesSkipped = Collector.Counter("replybot_duplicates_skipped_total", "Inbound messages skipped by the dedup ledger")
	PollCycles        = Collector.Counter("replybot_poll_cycles_total", "Poll cycles started")
	PollCycleErrors   = Collector.Counter("replybot_poll_cycle_errors_total", "Poll cycles whose fetch failed")
	OrphansSwept      = Collector.Counter("replybot_orphans_swept_total", "Processing records failed by the recovery sweep")
	ActivePollers     = Collector.Gauge("replybot_active_pollers", "Running channel pollers")
)
