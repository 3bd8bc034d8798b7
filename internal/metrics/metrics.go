// Package metrics maintains the server's aggregated counters and renders
// them in Prometheus exposition format or as a JSON snapshot.
package metrics

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the shared counter set. All fields are updated atomically from
// workers, the backplane consumer and the cron task.
type Metrics struct {
	WorkerCount              atomic.Int64
	PublishCount             atomic.Int64
	RedisConnectionFailCount atomic.Int64
	RedisPublishDelayMs      atomic.Int64
	CurrentConnectionsCount  atomic.Int64
	TotalConnectCount        atomic.Int64
	TotalDisconnectCount     atomic.Int64
	EventloopDelayMs         atomic.Int64

	// Process gauges sampled by the system monitor.
	processCPUPercent  atomic.Uint64 // float64 bits
	processMemoryBytes atomic.Int64
}

func New() *Metrics {
	return &Metrics{}
}

// SetProcessCPUPercent records the sampled process CPU usage.
func (m *Metrics) SetProcessCPUPercent(v float64) {
	m.processCPUPercent.Store(math.Float64bits(v))
}

// SetProcessMemoryBytes records the sampled process RSS.
func (m *Metrics) SetProcessMemoryBytes(v int64) {
	m.processMemoryBytes.Store(v)
}

// SetEventloopDelay records a worker's 5-second delay sample. Workers
// sample independently; the gauge holds the most recent sample.
func (m *Metrics) SetEventloopDelay(ms int64) {
	m.EventloopDelayMs.Store(ms)
}

// Snapshot is the JSON rendering of the metric set, served by
// GET /metrics?format=json.
type Snapshot struct {
	WorkerCount              int64   `json:"worker_count"`
	PublishCount             int64   `json:"publish_count"`
	RedisConnectionFailCount int64   `json:"redis_connection_fail_count"`
	RedisPublishDelayMs      int64   `json:"redis_publish_delay_ms"`
	CurrentConnectionsCount  int64   `json:"current_connections_count"`
	TotalConnectCount        int64   `json:"total_connect_count"`
	TotalDisconnectCount     int64   `json:"total_disconnect_count"`
	EventloopDelayMs         int64   `json:"eventloop_delay_ms"`
	ProcessCPUPercent        float64 `json:"process_cpu_percent"`
	ProcessMemoryBytes       int64   `json:"process_memory_bytes"`
}

// Snapshot returns a point-in-time copy of every metric.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		WorkerCount:              m.WorkerCount.Load(),
		PublishCount:             m.PublishCount.Load(),
		RedisConnectionFailCount: m.RedisConnectionFailCount.Load(),
		RedisPublishDelayMs:      m.RedisPublishDelayMs.Load(),
		CurrentConnectionsCount:  m.CurrentConnectionsCount.Load(),
		TotalConnectCount:        m.TotalConnectCount.Load(),
		TotalDisconnectCount:     m.TotalDisconnectCount.Load(),
		EventloopDelayMs:         m.EventloopDelayMs.Load(),
		ProcessCPUPercent:        math.Float64frombits(m.processCPUPercent.Load()),
		ProcessMemoryBytes:       m.processMemoryBytes.Load(),
	}
}

// collector adapts Metrics to the Prometheus scrape path. Metric names are
// prefixed with the configured prefix and carry an instance label of the
// form "<hostname>:<listen_port>".
type collector struct {
	m     *Metrics
	descs map[string]*prometheus.Desc
}

// NewRegistry builds a Prometheus registry exposing the metric set.
func NewRegistry(m *Metrics, prefix, instance string) *prometheus.Registry {
	labels := prometheus.Labels{"instance": instance}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, nil, labels)
	}

	c := &collector{
		m: m,
		descs: map[string]*prometheus.Desc{
			"worker_count":                mk("worker_count", "Number of worker goroutines"),
			"publish_count":               mk("publish_count", "Total messages published through this instance"),
			"redis_connection_fail_count": mk("redis_connection_fail_count", "Backplane subscriber reconnect count"),
			"redis_publish_delay_ms":      mk("redis_publish_delay_ms", "Last measured backplane publish round-trip in ms"),
			"current_connections_count":   mk("current_connections_count", "Currently connected clients"),
			"total_connect_count":         mk("total_connect_count", "Total client connects"),
			"total_disconnect_count":      mk("total_disconnect_count", "Total client disconnects"),
			"eventloop_delay_ms":          mk("eventloop_delay_ms", "Worst sampled worker event loop delay in ms"),
			"process_cpu_percent":         mk("process_cpu_percent", "Process CPU usage percent"),
			"process_memory_bytes":        mk("process_memory_bytes", "Process resident memory in bytes"),
		},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()

	gauge := func(name string, v float64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, v)
	}
	counter := func(name string, v float64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, v)
	}

	gauge("worker_count", float64(snap.WorkerCount))
	counter("publish_count", float64(snap.PublishCount))
	counter("redis_connection_fail_count", float64(snap.RedisConnectionFailCount))
	gauge("redis_publish_delay_ms", float64(snap.RedisPublishDelayMs))
	gauge("current_connections_count", float64(snap.CurrentConnectionsCount))
	counter("total_connect_count", float64(snap.TotalConnectCount))
	counter("total_disconnect_count", float64(snap.TotalDisconnectCount))
	gauge("eventloop_delay_ms", float64(snap.EventloopDelayMs))
	gauge("process_cpu_percent", snap.ProcessCPUPercent)
	gauge("process_memory_bytes", float64(snap.ProcessMemoryBytes))
}
