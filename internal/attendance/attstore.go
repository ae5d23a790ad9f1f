package attendance

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize is the store-imposed cap on operations per atomic batch.
const MaxBatchSize = 500

// ErrIndexUnavailable signals that a query path needing a compound index
// could not be served. Callers fall back to a cheaper query shape rather
// than failing; see the detector tiers and the realtime hub.
var ErrIndexUnavailable = errors.New("compound index unavailable")

// Filter narrows record queries. Zero values mean "no constraint";
// constraints are ANDed.
type Filter struct {
	BarcodeID string
	Statuses  []Status
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether a record satisfies the filter client-side.
func (f Filter) Matches(r Record) bool {
	if f.BarcodeID != "" && r.BarcodeID != f.BarcodeID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Store is the attendance record store. Query methods mirror the primitives
// the backing document service offers: equality, range, ordering, and a
// bounded atomic batch write.
type Store interface {
	// Insert persists one record, assigning ID and CreatedAt when unset.
	Insert(ctx context.Context, r Record) (Record, error)
	// Get returns one record by id.
	Get(ctx context.Context, id string) (Record, error)

	// FindByBarcodeAndRange serves the composite-index detection path:
	// equality on barcode plus a timestamp range. May return
	// ErrIndexUnavailable.
	FindByBarcodeAndRange(ctx context.Context, barcodeID string, start, end time.Time) ([]Record, error)
	// FindRecentByBarcode returns at most limit records for one barcode,
	// newest first.
	FindRecentByBarcode(ctx context.Context, barcodeID string, limit int) ([]Record, error)
	// FindByBarcode returns every record for one barcode, unordered.
	FindByBarcode(ctx context.Context, barcodeID string) ([]Record, error)

	// List returns records matching the filter, newest first. May return
	// ErrIndexUnavailable when the ordered, filtered path cannot be served.
	List(ctx context.Context, f Filter) ([]Record, error)
	// ListUnordered is the fallback shape for List: same filter, no
	// ordering guarantee.
	ListUnordered(ctx context.Context, f Filter) ([]Record, error)

	// BatchUpdateStatus applies one status to every id atomically.
	// len(ids) must not exceed MaxBatchSize.
	BatchUpdateStatus(ctx context.Context, ids []string, status Status, updatedBy string) error
	// BatchDelete removes every id atomically.
	BatchDelete(ctx context.Context, ids []string) error
	// BatchInsert persists the records atomically.
	BatchInsert(ctx context.Context, recs []Record) error
}
