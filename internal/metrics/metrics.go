// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_ticks_total", Help: "Trade ticks ingested"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_signals_total", Help: "Signals emitted by the decision engine"},
		[]string{"symbol", "action", "reason"},
	)
	LedgerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_ledger_writes_total", Help: "Position ledger writes by outcome"},
		[]string{"op", "result"},
	)
	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_feed_reconnects_total", Help: "Trade stream reconnects"},
		[]string{"symbol"},
	)
	LiquidityOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_liquidity_ops_total", Help: "Liquidity operations by terminal status"},
		[]string{"status"},
	)
	SignRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_sign_requests_total", Help: "Signing requests by outcome"},
		[]string{"result"},
	)

	LastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wickhunter_last_price", Help: "Last observed trade price"},
		[]string{"symbol"},
	)
	ZScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wickhunter_zscore", Help: "Robust z-score of the last price"},
		[]string{"symbol"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wickhunter_http_requests_total", Help: "API requests by path and status class"},
		[]string{"path", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wickhunter_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
	TelemetryClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wickhunter_telemetry_clients", Help: "Connected telemetry websocket clients"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, LedgerWrites, FeedReconnects, LiquidityOps, SignRequests,
		LastPrice, ZScore, HTTPRequests, HTTPDuration, TelemetryClients,
	)
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
