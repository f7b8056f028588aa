package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sheerbytes/chunkrecv/internal/upload"
)

const namespace = "chunkrecv"

var _ upload.Observer = (*Metrics)(nil)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	uploadsStarted   prometheus.Counter
	uploadsCompleted prometheus.Counter
	uploadsEvicted   prometheus.Counter
	chunksReceived   prometheus.Counter
	chunkDuplicates  prometheus.Counter
	bytesWritten     prometheus.Counter
	uploadBytes      prometheus.Histogram

	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	connectionErrors  *prometheus.CounterVec
	connectionsDenied prometheus.Counter
}

// New creates and registers all collectors. activeUploads is sampled on every
// scrape; pass nil to omit the gauge.
func New(activeUploads func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_started_total",
			Help:      "Uploads registered by a new-upload request.",
		}),
		uploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_completed_total",
			Help:      "Uploads whose every chunk arrived.",
		}),
		uploadsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_evicted_total",
			Help:      "Idle uploads removed before completion.",
		}),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Chunk payloads written, duplicates included.",
		}),
		chunkDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_duplicates_total",
			Help:      "Chunks whose index had already been received.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Payload bytes written to target files.",
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_size_bytes",
			Help:      "Size of completed uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by transport.",
		}, []string{"transport"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open connections by transport.",
		}, []string{"transport"}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections closed by a protocol error, by error kind.",
		}, []string{"kind"}),
		connectionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_denied_total",
			Help:      "Connections refused by the accept rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.uploadsStarted,
		m.uploadsCompleted,
		m.uploadsEvicted,
		m.chunksReceived,
		m.chunkDuplicates,
		m.bytesWritten,
		m.uploadBytes,
		m.connectionsTotal,
		m.connectionsActive,
		m.connectionErrors,
		m.connectionsDenied,
	)
	if activeUploads != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_active",
			Help:      "Uploads currently held in the request cache.",
		}, func() float64 { return float64(activeUploads()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) UploadStarted(upload.State) {
	m.uploadsStarted.Inc()
}

func (m *Metrics) ChunkAccepted(s upload.State, _ uint32, duplicate bool) {
	m.chunksReceived.Inc()
	m.bytesWritten.Add(float64(s.ChunkLength))
	if duplicate {
		m.chunkDuplicates.Inc()
	}
}

func (m *Metrics) UploadCompleted(s upload.State) {
	m.uploadsCompleted.Inc()
	m.uploadBytes.Observe(float64(s.Size()))
}

func (m *Metrics) UploadEvicted(upload.State) {
	m.uploadsEvicted.Inc()
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened(transport string) {
	m.connectionsTotal.WithLabelValues(transport).Inc()
	m.connectionsActive.WithLabelValues(transport).Inc()
}

// ConnectionClosed records a closed connection and, if err is non-empty, the
// kind of error that closed it.
func (m *Metrics) ConnectionClosed(transport, errKind string) {
	m.connectionsActive.WithLabelValues(transport).Dec()
	if errKind != "" {
		m.connectionErrors.WithLabelValues(errKind).Inc()
	}
}

// ConnectionDenied records a connection refused by the rate limiter.
func (m *Metrics) ConnectionDenied() {
	m.connectionsDenied.Inc()
}
