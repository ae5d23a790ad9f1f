package attendance

import (
	"context"
	"log"
	"strings"
	"time"

	"scantrack/internal/metrics"
)

// Result is a persisted record plus the non-fatal warning raised when the
// duplicate check could not be completed before the write proceeded.
type Result struct {
	Record
	DuplicateCheckWarning string `json:"duplicateCheckWarning,omitempty"`
}

// Service is the single authoritative write path for attendance records.
type Service struct {
	store    Store
	detector *Detector
}

// NewService creates the recorder service.
func NewService(store Store, detector *Detector) *Service {
	return &Service{store: store, detector: detector}
}

// Record validates the barcode id, consults the duplicate detector, and
// persists a new record with a server-assigned timestamp.
//
// The check and the write are not one transaction: two concurrent calls for
// the same student can both observe "no duplicate" and both write. That
// window is an accepted tradeoff carried over from the behavior this service
// replaces; availability is favored over strict duplicate prevention.
func (s *Service) Record(ctx context.Context, barcodeID, recordedBy string, extra map[string]string) (Result, error) {
	id := strings.TrimSpace(barcodeID)
	if id == "" {
		return Result{}, ErrInvalidInput
	}
	if recordedBy == "" {
		recordedBy = "unknown"
	}

	check := s.detector.Check(ctx, id, time.Now())
	if check.IsDuplicate {
		metrics.DuplicatesDetected.WithLabelValues(check.Method).Inc()
		return Result{}, &DuplicateError{BarcodeID: id, Existing: *check.Existing, Method: check.Method}
	}
	if check.Err != nil {
		log.Printf("recorder: duplicate check failed for %s, proceeding with caution: %v", id, check.Err)
	}

	rec := Record{
		BarcodeID:            id,
		Timestamp:            time.Now(),
		Status:               StatusPresent,
		RecordedBy:           recordedBy,
		DuplicateCheckMethod: check.Method,
		Extra:                extra,
	}
	persisted, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	metrics.ScansRecorded.Inc()

	res := Result{Record: persisted}
	if check.Err != nil {
		res.DuplicateCheckWarning = check.Err.Error()
	}
	return res, nil
}

// Records lists attendance records matching the filter, newest first.
func (s *Service) Records(ctx context.Context, f Filter) ([]Record, error) {
	return s.store.List(ctx, f)
}

// TodayCount returns the number of records on today's local calendar day.
func (s *Service) TodayCount(ctx context.Context) int {
	start, end := LocalDayBounds(time.Now())
	recs, err := s.store.List(ctx, Filter{From: start, To: end})
	if err != nil {
		log.Printf("recorder: today count failed: %v", err)
		return 0
	}
	return len(recs)
}

// HasAttendedToday reports whether a student already has a record today.
func (s *Service) HasAttendedToday(ctx context.Context, barcodeID string) bool {
	return s.detector.Check(ctx, strings.TrimSpace(barcodeID), time.Now()).IsDuplicate
}
