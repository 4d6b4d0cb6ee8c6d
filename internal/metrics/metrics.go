// Package metrics holds the exchange's prometheus instruments. A nil
// *Metrics is valid and records nothing, so tests can leave it out.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotexchange"

type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	trades          *prometheus.CounterVec
	txDuration      *prometheus.HistogramVec
	txRetries       *prometheus.CounterVec
	txExhausted     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	internalErrors  prometheus.Counter
}

// New registers every instrument on a fresh registry that also carries
// the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ordersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total",
			Help: "Orders accepted, by side and resulting status.",
		}, []string{"side", "status"}),
		ordersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Order placements rejected, by reason.",
		}, []string{"reason"}),
		ordersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders cancelled, by side.",
		}, []string{"side"}),
		trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Trades settled, by symbol.",
		}, []string{"symbol"}),
		txDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tx_duration_seconds",
			Help:    "Duration of transactional operations including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		txRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tx_retries_total",
			Help: "Transactions retried after contention.",
		}, []string{"op"}),
		txExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tx_retries_exhausted_total",
			Help: "Operations that failed after spending the retry budget.",
		}, []string{"op"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Trade notification delivery attempts, by outcome.",
		}, []string{"outcome"}),
		internalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "internal_errors_total",
			Help: "Internal consistency violations detected during settlement.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderPlaced(side, status string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(side, status).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCancelled(side string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(side).Inc()
}

func (m *Metrics) TradeSettled(symbol string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(symbol).Inc()
}

// ObserveTx records how long op took, start to finish.
func (m *Metrics) ObserveTx(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.txDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) TxRetried(op string) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) TxExhausted(op string) {
	if m == nil {
		return
	}
	m.txExhausted.WithLabelValues(op).Inc()
}

// Notification counts one delivery attempt; outcome is delivered, failed
// or abandoned.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InternalError() {
	if m == nil {
		return
	}
	m.internalErrors.Inc()
}
