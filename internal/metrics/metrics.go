// Package metrics exposes prometheus counters for the attendance core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansRecorded counts attendance records created through the recorder.
	ScansRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scantrack_scans_recorded_total",
		Help: "Attendance records created through the recorder.",
	})

	// DuplicatesDetected counts rejected duplicate scans by detection tier.
	DuplicatesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scantrack_duplicates_detected_total",
		Help: "Duplicate scans rejected, labelled by detection tier.",
	}, []string{"method"})

	// DetectorFallbacks counts how often a detection tier failed over to the next.
	DetectorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scantrack_detector_fallbacks_total",
		Help: "Duplicate-detection tier failovers, labelled by the tier that failed.",
	}, []string{"tier"})

	// BarcodeFallbacks counts generator runs that had to fabricate a sequence number.
	BarcodeFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scantrack_barcode_fallbacks_total",
		Help: "Barcode generations that used the random-sequence fallback.",
	})

	// AuditWriteFailures counts best-effort audit/security writes that were dropped.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scantrack_audit_write_failures_total",
		Help: "Audit or security event writes that failed and were dropped.",
	})

	// BulkBatches counts committed and failed bulk batches.
	BulkBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scantrack_bulk_batches_total",
		Help: "Bulk operation batches, labelled by operation and outcome.",
	}, []string{"op", "outcome"})
)
