package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the Prometheus collectors exported on /metrics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	RequestLatency       *prometheus.HistogramVec
	FallbacksTotal       *prometheus.CounterVec
	PaymentFailuresTotal *prometheus.CounterVec
	DedupHitsTotal       *prometheus.CounterVec
	EstimatedCostUSD     *prometheus.CounterVec
	WalletBalanceUSD     prometheus.Gauge
	BalanceChecksTotal   *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_requests_total",
			Help: "Total chat completion requests routed",
		}, []string{"profile", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawrouter_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"profile", "model"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_fallbacks_total",
			Help: "Fallback attempts after a failed primary model",
		}, []string{"from_model", "to_model"}),
		PaymentFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_payment_failures_total",
			Help: "Upstream responses carrying an x402 payment failure",
		}, []string{"model"}),
		DedupHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_dedup_hits_total",
			Help: "Requests served from the dedup cache or coalesced in flight",
		}, []string{"kind"}),
		EstimatedCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_estimated_cost_usd_total",
			Help: "Estimated USD cost of routed requests",
		}, []string{"model"}),
		WalletBalanceUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clawrouter_wallet_balance_usd",
			Help: "Last observed on-chain USDC balance",
		}),
		BalanceChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_balance_checks_total",
			Help: "On-chain balance polls by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.FallbacksTotal,
		m.PaymentFailuresTotal,
		m.DedupHitsTotal,
		m.EstimatedCostUSD,
		m.WalletBalanceUSD,
		m.BalanceChecksTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
