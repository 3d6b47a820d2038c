// Package metrics exposes a Prometheus /metrics endpoint, grounded on
// MinterTeam-minter-explorer-extender/metrics/metrics.go's
// promhttp.Handler() wiring, generalized from a single unused
// histogram field into the gauges/counters this system's queue and
// subscription components actually update.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this system exports.
type Metrics struct {
	QueueDepthWaiting  prometheus.Gauge
	QueueDepthActive   prometheus.Gauge
	QueueDepthRetrying prometheus.Gauge
	QueueDepthFailed   prometheus.Gauge

	JobsProcessedTotal *prometheus.CounterVec
	OrdersSubmitted    prometheus.Counter

	ActiveSubscriptions prometheus.Gauge
}

// New builds and registers every collector against the default
// registry.
func New() *Metrics {
	m := &Metrics{
		QueueDepthWaiting:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "oee_queue_depth_waiting", Help: "Jobs waiting to be leased."}),
		QueueDepthActive:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "oee_queue_depth_active", Help: "Jobs currently leased by a worker."}),
		QueueDepthRetrying: prometheus.NewGauge(prometheus.GaugeOpts{Name: "oee_queue_depth_retrying", Help: "Jobs scheduled for a retry attempt."}),
		QueueDepthFailed:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "oee_queue_depth_failed", Help: "Jobs dead-lettered after exhausting retries."}),
		JobsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "oee_jobs_processed_total", Help: "Jobs processed by outcome."}, []string{"outcome"}),
		OrdersSubmitted:    prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_orders_submitted_total", Help: "Orders accepted by the admission pipeline."}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oee_active_subscriptions",
			Help: "Currently open order status stream connections.",
		}),
	}

	prometheus.MustRegister(
		m.QueueDepthWaiting, m.QueueDepthActive, m.QueueDepthRetrying, m.QueueDepthFailed,
		m.JobsProcessedTotal, m.OrdersSubmitted, m.ActiveSubscriptions,
	)
	return m
}

// Handler returns the promhttp handler to mount at /metrics via
// gin.WrapH.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDepth mirrors a queue.Depth snapshot onto the gauges.
func (m *Metrics) RecordDepth(waiting, active, retrying, failed int64) {
	m.QueueDepthWaiting.Set(float64(waiting))
	m.QueueDepthActive.Set(float64(active))
	m.QueueDepthRetrying.Set(float64(retrying))
	m.QueueDepthFailed.Set(float64(failed))
}
