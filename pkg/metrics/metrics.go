package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "challengectl_agents_total",
			Help: "Total number of agents by kind and status",
		},
		[]string{"kind", "status"},
	)

	ChallengesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "challengectl_challenges_total",
			Help: "Total number of challenges by status",
		},
		[]string{"status"},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_dispatches_total",
			Help: "Total number of challenge dispatches",
		},
	)

	TransmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challengectl_transmissions_total",
			Help: "Total number of completed transmissions by outcome",
		},
		[]string{"outcome"},
	)

	RecordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challengectl_recordings_total",
			Help: "Total number of completed recordings by outcome",
		},
		[]string{"outcome"},
	)

	RecordingAssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_recording_assignments_total",
			Help: "Total number of recording assignments pushed to receivers",
		},
	)

	// Store metrics
	WriterBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_store_writer_busy_total",
			Help: "Total number of writes rejected on writer acquisition timeout",
		},
	)

	// Sweep metrics
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "challengectl_sweep_duration_seconds",
			Help:    "Maintenance sweep duration in seconds by task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challengectl_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	EventSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "challengectl_event_subscribers",
			Help: "Connected push-channel subscribers by room class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(ChallengesTotal)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(TransmissionsTotal)
	prometheus.MustRegister(RecordingsTotal)
	prometheus.MustRegister(RecordingAssignmentsTotal)
	prometheus.MustRegister(WriterBusyTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(EventSubscribers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
