// Package metrics holds the Prometheus collectors shared by the API and the
// worker process.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	workerTicks       *prometheus.CounterVec
	workerTickSeconds *prometheus.HistogramVec
	deposits          *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	chainWrites       *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	dealsExpired      prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the process-wide collectors, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			workerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "worker_ticks_total",
				Help:      "Worker ticks by worker and outcome (ok, error, skipped).",
			}, []string{"worker", "outcome"}),
			workerTickSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Name:      "worker_tick_seconds",
				Help:      "Duration of completed worker ticks.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"worker"}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "deposits_total",
				Help:      "Deposit evaluations by outcome (locked, insufficient, none, error).",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "queue_depth",
				Help:      "Items waiting in the activation queue.",
			}),
			chainWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "chain_writes_total",
				Help:      "Outbound chain operations by op and outcome.",
			}, []string{"op", "outcome"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "notifications_total",
				Help:      "Notifications by outcome (published, duplicate, dropped, error).",
			}, []string{"outcome"}),
			dealsExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "deals_expired_total",
				Help:      "Deals moved to expired by the deadline monitor.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "http_requests_total",
				Help:      "API requests by route and status code.",
			}, []string{"route", "code"}),
		}
		prometheus.MustRegister(
			registry.workerTicks,
			registry.workerTickSeconds,
			registry.deposits,
			registry.queueDepth,
			registry.chainWrites,
			registry.notifications,
			registry.dealsExpired,
			registry.httpRequests,
		)
	})
	return registry
}

func (m *Metrics) Tick(worker, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.workerTicks.WithLabelValues(worker, outcome).Inc()
	if outcome != "skipped" {
		m.workerTickSeconds.WithLabelValues(worker).Observe(took.Seconds())
	}
}

func (m *Metrics) Deposit(outcome string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ChainWrite(op, outcome string) {
	if m == nil {
		return
	}
	m.chainWrites.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DealExpired() {
	if m == nil {
		return
	}
	m.dealsExpired.Inc()
}

func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
