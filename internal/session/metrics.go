package session

import "github.com/prometheus/client_golang/prometheus"

type registryMetrics struct {
	activeSessions prometheus.Gauge
	starts         *prometheus.CounterVec
	cleanups       *prometheus.CounterVec
	relayExits     prometheus.Counter
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vncmux_active_sessions",
			Help: "Number of relay sessions currently registered",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vncmux_session_starts_total",
			Help: "Session start attempts by result",
		}, []string{"result"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vncmux_session_cleanups_total",
			Help: "Sessions torn down by reason",
		}, []string{"reason"}),
		relayExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vncmux_relay_unexpected_exits_total",
			Help: "Relay processes that exited while their session was active",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeSessions,
			m.starts,
			m.cleanups,
			m.relayExits,
		)
	}

	return m
}
