package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "transfer"

// Metrics is a prometheus.Collector for the transfer engine.
type Metrics struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	chunks           *prometheus.CounterVec
	ledgerRetries    prometheus.Counter
	chunkBytes       *prometheus.CounterVec
	assemblySeconds  prometheus.Histogram
	archiveBytes     prometheus.Counter
	archiveResults   *prometheus.CounterVec
	reaped           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_started_total",
				Help:      "Transfer sessions initiated.",
			}, []string{"direction"},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_finished_total",
				Help:      "Transfer sessions that reached a terminal state.",
			}, []string{"direction", "state"},
		),
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunks_total",
				Help:      "Chunk submissions and fetches by outcome.",
			}, []string{"direction", "result"},
		),
		ledgerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ledger_conflict_retries_total",
				Help:      "Optimistic conflicts retried by the ledger.",
			},
		),
		chunkBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "chunk_bytes_total",
				Help:      "Bytes moved through chunk endpoints.",
			}, []string{"direction"},
		),
		assemblySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "assembly_seconds",
				Help:      "Time taken to assemble an upload.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		archiveBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_source_bytes_total",
				Help:      "Source bytes streamed into archives.",
			},
		),
		archiveResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archives_total",
				Help:      "Archive exports by final status.",
			}, []string{"status"},
		),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reaped_sessions_total",
				Help:      "Expired sessions removed by the reaper.",
			}, []string{"state"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionsStarted.Describe(ch)
	m.sessionsFinished.Describe(ch)
	m.chunks.Describe(ch)
	m.ledgerRetries.Describe(ch)
	m.chunkBytes.Describe(ch)
	m.assemblySeconds.Describe(ch)
	m.archiveBytes.Describe(ch)
	m.archiveResults.Describe(ch)
	m.reaped.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionsStarted.Collect(ch)
	m.sessionsFinished.Collect(ch)
	m.chunks.Collect(ch)
	m.ledgerRetries.Collect(ch)
	m.chunkBytes.Collect(ch)
	m.assemblySeconds.Collect(ch)
	m.archiveBytes.Collect(ch)
	m.archiveResults.Collect(ch)
	m.reaped.Collect(ch)
}
