package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the coordinator's operational counters.
type Metrics struct {
	registry *prometheus.Registry

	QueueSize      prometheus.Gauge
	CohortsFormed  prometheus.Counter
	ReadyFailures  prometheus.Counter
	MatchesSettled *prometheus.CounterVec
	ConnectedUsers prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranked_queue_size",
			Help: "Players currently in the ranked queue.",
		}),
		CohortsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ranked_cohorts_formed_total",
			Help: "Ten-player cohorts handed to the ready check.",
		}),
		ReadyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ranked_ready_failures_total",
			Help: "Ready checks cancelled by decline, timeout or disconnect.",
		}),
		MatchesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranked_matches_settled_total",
			Help: "Matches leaving the pipeline, by outcome.",
		}, []string{"outcome"}),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranked_connected_players",
			Help: "Authenticated transports currently open.",
		}),
	}
	m.registry.MustRegister(m.QueueSize, m.CohortsFormed, m.ReadyFailures,
		m.MatchesSettled, m.ConnectedUsers)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
