package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type serverMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	relaysSpawned   prometheus.CounterFunc
	reconciled      prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer, spawned func() float64) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vncmux_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vncmux_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 3, 5, 10},
		}, []string{"route"}),
		relaysSpawned: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vncmux_relays_spawned_total",
			Help: "Relay processes started since the daemon came up",
		}, spawned),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vncmux_relays_reconciled_total",
			Help: "Stray relay processes killed during startup reconciliation",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.requestDuration,
			m.relaysSpawned,
			m.reconciled,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}
