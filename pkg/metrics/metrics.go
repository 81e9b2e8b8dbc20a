package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveboard_clients_connected",
			Help: "Number of currently connected clients",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveboard_subscriptions_active",
			Help: "Number of live upstream subscriptions",
		},
	)

	// Sync metrics
	SyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liveboard_syncs_total",
			Help: "Total number of completed synchronize handshakes",
		},
	)

	SyncDroppedThreads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liveboard_sync_dropped_threads_total",
			Help: "Total number of threads reported desynced during synchronization",
		},
	)

	SyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liveboard_sync_failures_total",
			Help: "Total number of failed synchronize attempts",
		},
	)

	// Mutation log metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_events_published_total",
			Help: "Total number of mutation events published by kind",
		},
		[]string{"kind"},
	)

	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveboard_append_duration_seconds",
			Help:    "Mutation log append transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BacklogEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveboard_backlog_events",
			Help:    "Number of events replayed per synchronize",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(SyncsTotal)
	prometheus.MustRegister(SyncDroppedThreads)
	prometheus.MustRegister(SyncFailures)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(AppendDuration)
	prometheus.MustRegister(BacklogEvents)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
