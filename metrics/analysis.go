package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type CacheReadStatus string

const (
	CacheReadStatusHit      CacheReadStatus = "hit"
	CacheReadStatusMiss     CacheReadStatus = "miss"
	CacheReadStatusBadValue CacheReadStatus = "bad_value" // Value in cache was not valid (likely because of mismatched types / CBOR encoding).
	CacheReadStatusError    CacheReadStatus = "error"     // Other internal error reading from cache.
)

// WriteOutcome labels the result of persisting one record.
type WriteOutcome string

const (
	WriteInserted  WriteOutcome = "inserted"
	WriteDuplicate WriteOutcome = "duplicate"
	WriteError     WriteOutcome = "error"
)

// AnalysisMetrics instruments one analyzer and the streams it drives.
type AnalysisMetrics struct {
	analyzer string

	cursorLag       *prometheus.GaugeVec
	recordsWritten  *prometheus.CounterVec
	tickLatencies   *prometheus.HistogramVec
	localCacheReads *prometheus.CounterVec
	queueLength     *prometheus.GaugeVec
}

// NewDefaultAnalysisMetrics creates the collectors for an analyzer.
func NewDefaultAnalysisMetrics(analyzer string) AnalysisMetrics {
	m := AnalysisMetrics{
		analyzer: analyzer,
		cursorLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerwatch_stream_cursor_lag_blocks",
				Help: "Blocks between the chain head and a stream's cursor, as of the stream's last tick.",
			},
			[]string{"analyzer", "stream"},
		),
		recordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerwatch_records_written",
				Help: "How many normalized records were persisted, partitioned by outcome.",
			},
			[]string{"analyzer", "outcome"},
		),
		tickLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerwatch_tick_latencies",
				Help:    "How long one tick of a stream or period scan takes.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"analyzer", "stream"},
		),
		localCacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "local_cache_reads",
				Help: "How many local cache reads occur, partitioned by status (hit, miss, bad_data, error).",
			},
			[]string{"cache", "status"},
		),
		queueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerwatch_work_queue_length",
				Help: "Number of work items (pending periods, open proposals) waiting to be processed.",
			},
			[]string{"analyzer", "queue"},
		),
	}
	m.cursorLag = registerOnce(m.cursorLag).(*prometheus.GaugeVec)
	m.recordsWritten = registerOnce(m.recordsWritten).(*prometheus.CounterVec)
	m.tickLatencies = registerOnce(m.tickLatencies).(*prometheus.HistogramVec)
	m.localCacheReads = registerOnce(m.localCacheReads).(*prometheus.CounterVec)
	m.queueLength = registerOnce(m.queueLength).(*prometheus.GaugeVec)
	return m
}

// CursorLag returns the lag gauge of a stream.
func (m *AnalysisMetrics) CursorLag(stream string) prometheus.Gauge {
	return m.cursorLag.WithLabelValues(m.analyzer, stream)
}

// RecordsWritten returns the counter of records persisted with an outcome.
func (m *AnalysisMetrics) RecordsWritten(outcome WriteOutcome) prometheus.Counter {
	return m.recordsWritten.WithLabelValues(m.analyzer, string(outcome))
}

// TickLatency returns a new latency timer for one tick of a stream.
func (m *AnalysisMetrics) TickLatency(stream string) *prometheus.Timer {
	return prometheus.NewTimer(m.tickLatencies.WithLabelValues(m.analyzer, stream))
}

// LocalCacheReads returns the counter for the local cache read.
func (m *AnalysisMetrics) LocalCacheReads(status CacheReadStatus) prometheus.Counter {
	return m.localCacheReads.WithLabelValues(m.analyzer, string(status))
}

// QueueLength returns the gauge of an item analyzer's work queue.
func (m *AnalysisMetrics) QueueLength(queue string) prometheus.Gauge {
	return m.queueLength.WithLabelValues(m.analyzer, queue)
}
