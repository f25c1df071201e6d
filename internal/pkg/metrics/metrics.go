package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsTotal counts finished update sessions by terminal outcome
	// (done, failed, cancelled).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetfw_sessions_total",
			Help: "Total number of finished update sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// FlashBytesTotal counts bytes accepted by devices during DFU transfers.
	FlashBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetfw_flash_bytes_total",
			Help: "Total bytes transferred to devices over DFU.",
		},
	)

	// FetchRetriesTotal counts retried changeset fetch attempts.
	FetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetfw_fetch_retries_total",
			Help: "Total number of retried changeset fetch attempts.",
		},
	)

	// SessionPhase exposes the active session's phase as a one-hot gauge.
	SessionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetfw_session_phase",
			Help: "Current phase of the active update session (1 = active).",
		},
		[]string{"phase"},
	)
)

// Registry is the daemon's metrics registry; a dedicated registry keeps test
// processes from tripping over duplicate registration in the default one.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		SessionsTotal,
		FlashBytesTotal,
		FetchRetriesTotal,
		SessionPhase,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetPhase flips the one-hot phase gauge to the given phase.
func SetPhase(phase string) {
	SessionPhase.Reset()
	if phase != "" {
		SessionPhase.WithLabelValues(phase).Set(1)
	}
}
