package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Document metrics
	DocumentsLoadedTotal prometheus.Counter
	DocumentsActive      prometheus.Gauge
	UpdatesAppliedTotal  *prometheus.CounterVec
	UpdateBytesTotal     *prometheus.CounterVec
	DispatchRejectedTotal *prometheus.CounterVec

	// Connection metrics
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionDuration  prometheus.Histogram

	// Crypto metrics
	CryptoOperationsTotal    *prometheus.CounterVec
	CryptoOperationDuration  prometheus.Histogram
	MerkleVerificationsTotal *prometheus.CounterVec

	// File attachment metrics
	ChunksStoredTotal       prometheus.Counter
	ChunkBytesTotal         *prometheus.CounterVec
	UploadBitmapPersistDuration prometheus.Histogram
	DiskSpaceUsedBytes      prometheus.Gauge

	// RPC surface metrics
	RPCRequestsTotal *prometheus.CounterVec

	// Active documents counter (atomic for thread-safety)
	activeDocuments int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		DocumentsLoadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quillsync_documents_loaded_total",
				Help: "Total documents loaded into memory",
			},
		),

		DocumentsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quillsync_documents_active",
				Help: "Currently loaded documents",
			},
		),

		UpdatesAppliedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_updates_applied_total",
				Help: "Persisted and broadcast doc.update/doc.sync-step-2 messages",
			},
			[]string{"encrypted"},
		),

		UpdateBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_update_bytes_total",
				Help: "Bytes carried by applied updates",
			},
			[]string{"encrypted"},
		),

		DispatchRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_dispatch_rejected_total",
				Help: "Frames the dispatcher dropped before persistence",
			},
			[]string{"reason"},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_connections_total",
				Help: "Connection attempts across every transport",
			},
			[]string{"transport", "result"},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quillsync_connections_active",
				Help: "Active connections across every transport",
			},
		),

		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quillsync_connection_duration_seconds",
				Help:    "Connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quillsync_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_merkle_verifications_total",
				Help: "Merkle root verifications for file attachments",
			},
			[]string{"result"},
		),

		ChunksStoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quillsync_chunks_stored_total",
				Help: "Total file-attachment chunks stored",
			},
		),

		ChunkBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_chunk_bytes_total",
				Help: "Bytes stored across file-attachment chunks",
			},
			[]string{"direction"},
		),

		UploadBitmapPersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quillsync_upload_bitmap_persist_duration_seconds",
				Help:    "Upload-session chunk-bitmap persistence latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quillsync_disk_space_used_bytes",
				Help: "Disk space used by persisted documents and attachments",
			},
		),

		RPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillsync_rpc_requests_total",
				Help: "rpc-category requests handled, by method and result",
			},
			[]string{"method", "result"},
		),
	}

	return m
}

// RecordDocumentLoaded increments active/loaded document counters.
func (m *Metrics) RecordDocumentLoaded() {
	m.DocumentsLoadedTotal.Inc()
	atomic.AddInt64(&m.activeDocuments, 1)
	m.DocumentsActive.Set(float64(atomic.LoadInt64(&m.activeDocuments)))
}

// RecordDocumentUnloaded decrements the active document gauge.
func (m *Metrics) RecordDocumentUnloaded() {
	atomic.AddInt64(&m.activeDocuments, -1)
	m.DocumentsActive.Set(float64(atomic.LoadInt64(&m.activeDocuments)))
}

// RecordUpdateApplied records one persisted-and-broadcast update.
func (m *Metrics) RecordUpdateApplied(encrypted bool, payloadBytes int) {
	label := "false"
	if encrypted {
		label = "true"
	}
	m.UpdatesAppliedTotal.WithLabelValues(label).Inc()
	m.UpdateBytesTotal.WithLabelValues(label).Add(float64(payloadBytes))
}

// RecordDispatchRejected increments the rejection counter for a reason
// (dedupe, acl, rate_limit, malformed).
func (m *Metrics) RecordDispatchRejected(reason string) {
	m.DispatchRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordConnection logs a connection attempt on a transport.
func (m *Metrics) RecordConnection(transport string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(transport, result).Inc()
	if success {
		m.ConnectionsActive.Inc()
	}
}

// RecordConnectionClose updates metrics for a closed connection.
func (m *Metrics) RecordConnectionClose(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordMerkleVerification increments Merkle verification counters.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordChunkStored updates metrics for a stored file-attachment chunk.
func (m *Metrics) RecordChunkStored(bytes int) {
	m.ChunksStoredTotal.Inc()
	m.ChunkBytesTotal.WithLabelValues("stored").Add(float64(bytes))
}

// RecordRPCRequest records an rpc-category dispatch outcome.
func (m *Metrics) RecordRPCRequest(method string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RPCRequestsTotal.WithLabelValues(method, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
