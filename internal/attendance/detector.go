package attendance

import (
	"context"
	"log"
	"time"

	"scantrack/internal/metrics"
)

// Detection tier names, recorded on each result and on written records so an
// operator can tell which query path answered.
const (
	MethodCompositeIndex = "composite_index"
	MethodFallbackFilter = "fallback_filter"
	MethodLocalFilter    = "local_filter"
	MethodFailed         = "failed"
)

// DetectorResult is the outcome of a duplicate check. When every tier failed,
// IsDuplicate is false and Err is set: the caller must treat that as
// "unknown, proceed with warning", never as confirmed absence.
type DetectorResult struct {
	IsDuplicate bool
	Method      string
	Existing    *Record
	Err         error
}

// Detector answers "has this student already been recorded today" through a
// chain of query strategies, each a fallback of the previous:
//
//  1. composite_index: equality on barcode plus a timestamp range over the
//     local day. Needs a compound index; exact.
//  2. fallback_filter: newest scanLimit records for the barcode, filtered
//     client-side. Bounded cost; misses a duplicate only if a student
//     somehow has more than scanLimit records today.
//  3. local_filter: every record for the barcode, filtered client-side.
//  4. failed: all tiers exhausted, answer unknown.
type Detector struct {
	store     Store
	scanLimit int
}

// NewDetector creates a detector. scanLimit bounds the ordered fallback tier.
func NewDetector(store Store, scanLimit int) *Detector {
	if scanLimit <= 0 {
		scanLimit = 10
	}
	return &Detector{store: store, scanLimit: scanLimit}
}

// Check looks for an existing record for barcodeID on ref's local calendar
// day. A zero ref means now.
func (d *Detector) Check(ctx context.Context, barcodeID string, ref time.Time) DetectorResult {
	if ref.IsZero() {
		ref = time.Now()
	}
	start, end := LocalDayBounds(ref)

	recs, err := d.store.FindByBarcodeAndRange(ctx, barcodeID, start, end)
	if err == nil {
		if len(recs) > 0 {
			r := recs[0]
			return DetectorResult{IsDuplicate: true, Method: MethodCompositeIndex, Existing: &r}
		}
		return DetectorResult{Method: MethodCompositeIndex}
	}
	log.Printf("detector: composite index path unavailable for %s, falling back: %v", barcodeID, err)
	metrics.DetectorFallbacks.WithLabelValues(MethodCompositeIndex).Inc()

	recs, err = d.store.FindRecentByBarcode(ctx, barcodeID, d.scanLimit)
	if err == nil {
		for _, r := range recs {
			if SameLocalDay(r.Timestamp, ref) {
				rr := r
				return DetectorResult{IsDuplicate: true, Method: MethodFallbackFilter, Existing: &rr}
			}
		}
		return DetectorResult{Method: MethodFallbackFilter}
	}
	log.Printf("detector: ordered fallback failed for %s, scanning all records: %v", barcodeID, err)
	metrics.DetectorFallbacks.WithLabelValues(MethodFallbackFilter).Inc()

	recs, err = d.store.FindByBarcode(ctx, barcodeID)
	if err == nil {
		for _, r := range recs {
			if SameLocalDay(r.Timestamp, ref) {
				rr := r
				return DetectorResult{IsDuplicate: true, Method: MethodLocalFilter, Existing: &rr}
			}
		}
		return DetectorResult{Method: MethodLocalFilter}
	}
	log.Printf("detector: all duplicate check tiers failed for %s: %v", barcodeID, err)
	metrics.DetectorFallbacks.WithLabelValues(MethodLocalFilter).Inc()

	return DetectorResult{Method: MethodFailed, Err: err}
}
