// Package metrics exposes the Prometheus collector wired into the stats
// server and benchmark binary (SPEC_FULL.md component I, grounded on the
// teacher's internal/metrics/metrics.go).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the pool and protocol engine
// report.
type Collector struct {
	Registry *prometheus.Registry

	poolConnections  *prometheus.GaugeVec
	poolDeadHosts    *prometheus.GaugeVec
	poolCreatesTotal *prometheus.CounterVec
	poolExhausted    *prometheus.CounterVec

	opDuration *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on a fresh registry. Safe
// to call multiple times (e.g. per test, or per config reload) since each
// call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memcached_pool_connections",
				Help: "Number of pooled connections per host and state",
			},
			[]string{"host", "state"}, // state: available|busy
		),
		poolDeadHosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memcached_pool_dead_hosts",
				Help: "1 if the host is currently in its connect-failure backoff window",
			},
			[]string{"host"},
		),
		poolCreatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memcached_pool_creates_total",
				Help: "Total connections created per host",
			},
			[]string{"host"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memcached_pool_exhausted_total",
				Help: "Total times getConnection failed to create any connection for a host",
			},
			[]string{"host"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memcached_op_duration_seconds",
				Help:    "Duration of protocol operations",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"op"},
		),
		opErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memcached_op_errors_total",
				Help: "Total operation failures by kind",
			},
			[]string{"op", "kind"},
		),
	}

	reg.MustRegister(
		c.poolConnections,
		c.poolDeadHosts,
		c.poolCreatesTotal,
		c.poolExhausted,
		c.opDuration,
		c.opErrors,
	)

	return c
}

// SetPoolConnections records the current available/busy counts for host.
func (c *Collector) SetPoolConnections(host string, available, busy int) {
	c.poolConnections.WithLabelValues(host, "available").Set(float64(available))
	c.poolConnections.WithLabelValues(host, "busy").Set(float64(busy))
}

// SetDeadHost records whether host is currently in backoff.
func (c *Collector) SetDeadHost(host string, dead bool) {
	val := 0.0
	if dead {
		val = 1.0
	}
	c.poolDeadHosts.WithLabelValues(host).Set(val)
}

// ConnectionCreated increments the per-host create counter.
func (c *Collector) ConnectionCreated(host string) {
	c.poolCreatesTotal.WithLabelValues(host).Inc()
}

// PoolExhausted increments the exhaustion counter for host.
func (c *Collector) PoolExhausted(host string) {
	c.poolExhausted.WithLabelValues(host).Inc()
}

// OpCompleted records the duration of a successful operation.
func (c *Collector) OpCompleted(op string, d time.Duration) {
	c.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// OpFailed increments the error counter for op/kind.
func (c *Collector) OpFailed(op, kind string) {
	c.opErrors.WithLabelValues(op, kind).Inc()
}

// RemoveHost removes all per-host metrics. Pool.Shutdown calls it for every
// host the pool tracked.
func (c *Collector) RemoveHost(host string) {
	c.poolConnections.DeletePartialMatch(prometheus.Labels{"host": host})
	c.poolDeadHosts.DeleteLabelValues(host)
	c.poolCreatesTotal.DeleteLabelValues(host)
	c.poolExhausted.DeleteLabelValues(host)
}
