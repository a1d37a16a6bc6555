package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	eventsTotal       *prometheus.CounterVec
	eventErrors       *prometheus.CounterVec
	pushFailures      prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serverMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipherchat_connections_active",
			Help: "Current number of registered live connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_connections_total",
			Help: "Total number of live connections accepted since start.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_events_total",
			Help: "Inbound live-channel events by type.",
		}, []string{"type"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_event_errors_total",
			Help: "Inbound events that produced a structured error, by code.",
		}, []string{"code"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_push_failures_total",
			Help: "Outbound event writes that failed.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.eventsTotal,
		m.eventErrors,
		m.pushFailures,
	)
	return m
}
