// Package metrics exposes Prometheus instrumentation for the
// processing pipeline. Recorders are safe to call before InitMetrics;
// they simply do nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	// iocProcessedTotal counts processed indicators by type and outcome.
	iocProcessedTotal *prometheus.CounterVec

	// processingDuration tracks end-to-end processing latency.
	processingDuration prometheus.Histogram

	// adapterErrorsTotal counts adapter failures by adapter and kind.
	adapterErrorsTotal *prometheus.CounterVec

	// detectionConfidence tracks the distribution of detection scores.
	detectionConfidence prometheus.Histogram

	// correlationsEmitted counts persisted correlations by type.
	correlationsEmitted *prometheus.CounterVec

	// storageErrorsTotal counts storage failures by classification.
	storageErrorsTotal *prometheus.CounterVec
)

// InitMetrics registers the collectors. Call once at startup.
func InitMetrics() {
	metricsOnce.Do(func() {
		iocProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatcore_iocs_processed_total",
				Help: "Processed indicators by type and outcome",
			},
			[]string{"type", "outcome"},
		)

		processingDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatcore_processing_duration_seconds",
				Help:    "End-to-end indicator processing latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		)

		adapterErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatcore_adapter_errors_total",
				Help: "Adapter failures by adapter name and error kind",
			},
			[]string{"adapter", "kind"},
		)

		detectionConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatcore_detection_confidence",
				Help:    "Distribution of detection confidence scores",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		)

		correlationsEmitted = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatcore_correlations_emitted_total",
				Help: "Persisted correlations by correlation type",
			},
			[]string{"type"},
		)

		storageErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatcore_storage_errors_total",
				Help: "Storage failures by classification",
			},
			[]string{"classification"},
		)
	})
}

// RecordProcessed records one processed indicator.
// outcome: "success", "invalid", "error", "cancelled".
func RecordProcessed(iocType, outcome string) {
	if iocProcessedTotal != nil {
		iocProcessedTotal.WithLabelValues(iocType, outcome).Inc()
	}
}

// RecordProcessingDuration records an end-to-end processing latency.
func RecordProcessingDuration(d time.Duration) {
	if processingDuration != nil {
		processingDuration.Observe(d.Seconds())
	}
}

// RecordAdapterError records an adapter failure.
// kind: "timeout", "unavailable".
func RecordAdapterError(adapter, kind string) {
	if adapterErrorsTotal != nil {
		adapterErrorsTotal.WithLabelValues(adapter, kind).Inc()
	}
}

// RecordDetection records one detection evaluation score.
func RecordDetection(confidence float64) {
	if detectionConfidence != nil {
		detectionConfidence.Observe(confidence)
	}
}

// RecordCorrelation records one persisted correlation.
func RecordCorrelation(corrType string) {
	if correlationsEmitted != nil {
		correlationsEmitted.WithLabelValues(corrType).Inc()
	}
}

// RecordStorageError records a storage failure.
// classification: "transient", "permanent".
func RecordStorageError(classification string) {
	if storageErrorsTotal != nil {
		storageErrorsTotal.WithLabelValues(classification).Inc()
	}
}
