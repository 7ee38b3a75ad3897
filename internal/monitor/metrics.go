package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics hub and sync instrumentation. Each instance registers against its
// own registry so tests can construct metrics freely.
type Metrics struct {
	registry *prometheus.Registry

	// hub
	connectedDevices prometheus.Gauge
	eventsAppended   *prometheus.CounterVec
	eventsRelayed    *prometheus.CounterVec
	duplicateEvents  prometheus.Counter
	relayDuration    prometheus.Histogram
	bulkBatchSize    prometheus.Histogram

	// locks
	lockOps     *prometheus.CounterVec
	activeLocks prometheus.Gauge

	// client engine
	reconnectAttempts prometheus.Counter
	offlineQueueDepth prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		connectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_connected_devices",
			Help: "Number of devices with an open hub session",
		}),
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_appended_total",
			Help: "Total events appended to the hub event log",
		}, []string{"tenant_id", "store_id"}),
		eventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_relayed_total",
			Help: "Total events relayed to peer sessions",
		}, []string{"tenant_id", "store_id"}),
		duplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_duplicate_events_total",
			Help: "Total replayed events dropped by event ID dedup",
		}),
		relayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_relay_duration_seconds",
			Help:    "Duration of relay fan-out per appended event",
			Buckets: prometheus.DefBuckets,
		}),
		bulkBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_bulk_batch_size",
			Help:    "Events per backlog batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		lockOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lock_operations_total",
			Help: "Lock operations by type and outcome",
		}, []string{"operation", "status"}),
		activeLocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lock_active_total",
			Help: "Number of unexpired order locks",
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_reconnect_attempts_total",
			Help: "Total reconnect attempts made by the device engine",
		}),
		offlineQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_offline_queue_depth",
			Help: "Durably queued events waiting for reconnect",
		}),
	}
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DeviceConnected adjusts the connected device gauge.
func (m *Metrics) DeviceConnected(delta int) {
	m.connectedDevices.Add(float64(delta))
}

// RecordAppend records a persisted event.
func (m *Metrics) RecordAppend(tenantID, storeID string) {
	m.eventsAppended.WithLabelValues(tenantID, storeID).Inc()
}

// RecordRelay records one relayed event copy.
func (m *Metrics) RecordRelay(tenantID, storeID string) {
	m.eventsRelayed.WithLabelValues(tenantID, storeID).Inc()
}

// RecordDuplicate records a replayed duplicate dropped by dedup.
func (m *Metrics) RecordDuplicate() {
	m.duplicateEvents.Inc()
}

// ObserveRelayDuration records the fan-out latency of one append.
func (m *Metrics) ObserveRelayDuration(seconds float64) {
	m.relayDuration.Observe(seconds)
}

// ObserveBulkBatch records the size of a backlog batch.
func (m *Metrics) ObserveBulkBatch(n int) {
	m.bulkBatchSize.Observe(float64(n))
}

// RecordLockOp records a lock operation outcome.
func (m *Metrics) RecordLockOp(operation, status string) {
	m.lockOps.WithLabelValues(operation, status).Inc()
}

// SetActiveLocks updates the live lock gauge.
func (m *Metrics) SetActiveLocks(n int) {
	m.activeLocks.Set(float64(n))
}

// RecordReconnectAttempt counts one reconnect attempt.
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

// SetOfflineQueueDepth updates the offline queue gauge.
func (m *Metrics) SetOfflineQueueDepth(n int) {
	m.offlineQueueDepth.Set(float64(n))
}
