// Package metrics exposes prometheus instruments for the interview engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockinterview_turns_total",
			Help: "Turns that reached a final state or failed to send, by role and status",
		},
		[]string{"role", "status"},
	)

	GateOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockinterview_gate_opens_total",
			Help: "Chunk gate openings by reason",
		},
		[]string{"reason"},
	)

	GateWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mockinterview_gate_wait_seconds",
			Help:    "Time reply text was withheld before disclosure",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
	)

	AudioSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockinterview_audio_sessions_total",
			Help: "Audio sessions by final phase",
		},
		[]string{"outcome"},
	)

	StaleFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mockinterview_stale_fragments_total",
			Help: "Push fragments dropped because their turn was no longer streaming",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mockinterview_send_failures_total",
			Help: "Create-reply calls that failed",
		},
	)

	PushReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mockinterview_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
	)

	PushConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mockinterview_push_connected",
			Help: "1 while the push channel is open",
		},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
