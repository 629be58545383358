// Package metrics exposes sync queue activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	merchsync "github.com/Rheannone/merch-table-sub003"
)

// Observer implements merchsync.Observer on Prometheus collectors.
type Observer struct {
	enqueued     *prometheus.CounterVec
	evicted      *prometheus.CounterVec
	retried      *prometheus.CounterVec
	completed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	attempts     *prometheus.HistogramVec
	destinations *prometheus.HistogramVec
	queueSize    prometheus.Gauge
	online       prometheus.Gauge
}

var _ merchsync.Observer = (*Observer)(nil)

// New creates an Observer and registers its collectors with reg.
func New(reg prometheus.Registerer) *Observer {
	o := &Observer{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchsync_items_enqueued_total",
			Help: "Queue items accepted, by data type",
		}, []string{"data_type"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchsync_items_evicted_total",
			Help: "Pending items evicted to make room, by data type",
		}, []string{"data_type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchsync_items_retried_total",
			Help: "Attempts that ended in a scheduled retry, by data type",
		}, []string{"data_type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchsync_items_completed_total",
			Help: "Items synced to every destination, by data type",
		}, []string{"data_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchsync_items_failed_total",
			Help: "Items that exhausted their retries, by data type",
		}, []string{"data_type"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "merchsync_item_attempts",
			Help:    "Attempts needed to complete an item",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"data_type"}),
		destinations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "merchsync_destination_call_seconds",
			Help:    "Destination call latency, by destination and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination", "status"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merchsync_queue_size",
			Help: "Items not yet completed",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merchsync_online",
			Help: "1 while the manager considers itself online",
		}),
	}
	reg.MustRegister(
		o.enqueued, o.evicted, o.retried, o.completed, o.failed,
		o.attempts, o.destinations, o.queueSize, o.online,
	)
	return o
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (o *Observer) ItemEnqueued(dt merchsync.DataType) {
	o.enqueued.WithLabelValues(string(dt)).Inc()
}

func (o *Observer) ItemEvicted(dt merchsync.DataType) {
	o.evicted.WithLabelValues(string(dt)).Inc()
}

func (o *Observer) ItemRetried(dt merchsync.DataType) {
	o.retried.WithLabelValues(string(dt)).Inc()
}

func (o *Observer) ItemCompleted(dt merchsync.DataType, attempts int) {
	o.completed.WithLabelValues(string(dt)).Inc()
	o.attempts.WithLabelValues(string(dt)).Observe(float64(attempts))
}

func (o *Observer) ItemFailed(dt merchsync.DataType) {
	o.failed.WithLabelValues(string(dt)).Inc()
}

func (o *Observer) DestinationCalled(dest merchsync.Destination, status merchsync.ResultStatus, took time.Duration) {
	o.destinations.WithLabelValues(string(dest), string(status)).Observe(took.Seconds())
}

func (o *Observer) QueueSize(n int) {
	o.queueSize.Set(float64(n))
}

// Listener tracks connectivity from Manager events.
func (o *Observer) Listener() merchsync.Listener {
	return func(ev merchsync.Event) {
		if ev.Type == merchsync.EventOnlineStatusChanged {
			o.online.Set(boolGauge(ev.Online))
		}
	}
}

// SetOnline sets the connectivity gauge directly, for the initial state.
func (o *Observer) SetOnline(online bool) {
	o.online.Set(boolGauge(online))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
