// Package metrics holds the prometheus collectors of the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mail"

// Metrics is safe to use through a nil pointer, in which case nothing is recorded.
type Metrics struct {
	SyncBatches      *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SyncErrors       *prometheus.CounterVec
	SyncTransitions  *prometheus.CounterVec
	MessagesApplied  *prometheus.CounterVec
	ItemsSkipped     prometheus.Counter
	ConnectAttempts  *prometheus.CounterVec
	OpenSessions     *prometheus.GaugeVec
	OutboxAttempts   *prometheus.CounterVec
	IndexEvents      *prometheus.CounterVec
	CommitFailures   prometheus.Counter
	BlobsCollected   prometheus.Counter
	TombstonesPruned prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SyncBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_batches_total",
			Help:      "Number of sync batches committed, by sync mode.",
		}, []string{"mode"}),

		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of a sync pass, by sync mode.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode"}),

		SyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Number of failed sync attempts, by error kind.",
		}, []string{"kind"}),

		SyncTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_state_transitions_total",
			Help:      "Number of mailbox sync state transitions, by target state.",
		}, []string{"state"}),

		MessagesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Number of server changes applied to the local store, by kind.",
		}, []string{"kind"}),

		ItemsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_skipped_total",
			Help:      "Number of malformed server items skipped.",
		}),

		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Number of connection attempts, by protocol and result.",
		}, []string{"protocol", "result"}),

		OpenSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Number of sessions currently held, by protocol.",
		}, []string{"protocol"}),

		OutboxAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_attempts_total",
			Help:      "Number of delivery attempts, by result.",
		}, []string{"result"}),

		IndexEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_events_total",
			Help:      "Number of events delivered to the search index, by operation.",
		}, []string{"op"}),

		CommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_commit_failures_total",
			Help:      "Number of store transactions which failed to commit.",
		}),

		BlobsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_collected_total",
			Help:      "Number of unreferenced blobs removed.",
		}),

		TombstonesPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tombstones_pruned_total",
			Help:      "Number of expired tombstones removed.",
		}),
	}
}

func (m *Metrics) ObserveSync(mode string, took time.Duration, batches int) {
	if m == nil {
		return
	}

	m.SyncDuration.WithLabelValues(mode).Observe(took.Seconds())
	m.SyncBatches.WithLabelValues(mode).Add(float64(batches))
}

func (m *Metrics) SyncFailed(kind string) {
	if m == nil {
		return
	}

	m.SyncErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) StateEntered(state string) {
	if m == nil {
		return
	}

	m.SyncTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Applied(kind string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.MessagesApplied.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Skipped(n int) {
	if m == nil || n == 0 {
		return
	}

	m.ItemsSkipped.Add(float64(n))
}

func (m *Metrics) ConnectAttempt(protocol string, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.ConnectAttempts.WithLabelValues(protocol, result).Inc()
}

func (m *Metrics) SessionOpened(protocol string) {
	if m == nil {
		return
	}

	m.OpenSessions.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol string) {
	if m == nil {
		return
	}

	m.OpenSessions.WithLabelValues(protocol).Dec()
}

func (m *Metrics) OutboxAttempt(result string) {
	if m == nil {
		return
	}

	m.OutboxAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IndexEvent(op string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.IndexEvents.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}

	m.CommitFailures.Inc()
}

func (m *Metrics) Collected(blobs, tombstones int) {
	if m == nil {
		return
	}

	m.BlobsCollected.Add(float64(blobs))
	m.TombstonesPruned.Add(float64(tombstones))
}
