// Package monitoring builds the Prometheus metrics every core component
// reports through: a single promauto-built Metrics struct handed around
// by pointer.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the shared instrumentation surface for the whole repo. Each
// instance owns its own Registry rather than registering against the
// global default, so a Repo embedded in a larger process (or a test) can
// construct as many independent Metrics as it needs without colliding on
// metric names.
type Metrics struct {
	Registry *prometheus.Registry

	// Handles.
	HandlesCreated         prometheus.Counter
	HandlesDeleted         prometheus.Counter
	HandleStateTransitions *prometheus.CounterVec

	// Storage.
	StorageSaves       prometheus.Counter
	StorageCompactions prometheus.Counter
	StorageLoadLatency prometheus.Histogram
	StorageSaveLatency prometheus.Histogram

	// Network.
	EphemeralDropped *prometheus.CounterVec

	// Sync.
	SyncMessagesSent     *prometheus.CounterVec
	SyncMessagesReceived *prometheus.CounterVec
	DebounceFires        prometheus.Counter

	// Remote heads.
	RemoteHeadsSubscriptions prometheus.Gauge
	RemoteHeadsChanges       prometheus.Counter

	// Ambient.
	Errors prometheus.Counter
}

// NewMetrics constructs a Metrics backed by a fresh, private registry.
// Callers that want these metrics exposed on a /metrics endpoint register
// m.Registry with promhttp themselves.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HandlesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_handles_created_total",
			Help: "Total number of DocHandles created",
		}),
		HandlesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_handles_deleted_total",
			Help: "Total number of DocHandles deleted",
		}),
		HandleStateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docrepo_handle_state_transitions_total",
			Help: "DocHandle state transitions, labeled by the state entered",
		}, []string{"state"}),

		StorageSaves: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_storage_saves_total",
			Help: "Total number of incremental document saves",
		}),
		StorageCompactions: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_storage_compactions_total",
			Help: "Total number of snapshot compactions",
		}),
		StorageLoadLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docrepo_storage_load_latency_seconds",
			Help:    "Time taken to load a document from storage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		StorageSaveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docrepo_storage_save_latency_seconds",
			Help:    "Time taken to save a document to storage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),

		EphemeralDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docrepo_ephemeral_messages_dropped_total",
			Help: "Ephemeral messages dropped by the dedup filter, labeled by reason",
		}, []string{"reason"}),

		SyncMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docrepo_sync_messages_sent_total",
			Help: "Sync protocol messages sent, labeled by message type",
		}, []string{"type"}),
		SyncMessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docrepo_sync_messages_received_total",
			Help: "Sync protocol messages received, labeled by message type",
		}, []string{"type"}),
		DebounceFires: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_debounce_fires_total",
			Help: "Total number of debounced callbacks that fired",
		}),

		RemoteHeadsSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "docrepo_remote_heads_subscriptions",
			Help: "Current number of active remote-heads subscriptions",
		}),
		RemoteHeadsChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_remote_heads_changes_total",
			Help: "Total number of remote-heads-changed notifications observed",
		}),

		Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "docrepo_errors_total",
			Help: "Total number of operation failures across all components",
		}),
	}
}
