// Package metrics holds the Prometheus collectors for the exchange. Each
// Metrics owns its registry so several exchanges (or tests) can coexist.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simexchange"

type Metrics struct {
	registry *prometheus.Registry

	TradesTotal         prometheus.Counter
	TradedQuantityTotal prometheus.Counter
	ConditionalTriggers prometheus.Counter
	OrdersRejected      *prometheus.CounterVec // reason
	MarketPrice         prometheus.Gauge
	BookOrders          *prometheus.GaugeVec // side

	HTTPRequestsTotal   *prometheus.CounterVec   // method, path, status
	HTTPRequestDuration *prometheus.HistogramVec // method, path
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Total number of executed trades",
		}),
		TradedQuantityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "Total quantity across executed trades",
		}),
		ConditionalTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditional_triggers_total",
			Help:      "Stop-loss and take-profit orders forced to fill",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Order submissions rejected by the engine",
		}, []string{"reason"}),
		MarketPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_price",
			Help:      "Current market price",
		}),
		BookOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_orders",
			Help:      "Resting orders per side",
		}, []string{"side"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		m.TradesTotal,
		m.TradedQuantityTotal,
		m.ConditionalTriggers,
		m.OrdersRejected,
		m.MarketPrice,
		m.BookOrders,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
