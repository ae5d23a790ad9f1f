// Package bulkops batches attendance writes and handles import/export.
// Multi-batch operations isolate failures: one failed batch never aborts the
// rest, and the result is the only record of which batches landed.
package bulkops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scantrack/internal/attendance"
	"scantrack/internal/metrics"
)

// lookupBatchSize bounds the duplicate cross-check queries during import.
const lookupBatchSize = 10

// AuditSink receives best-effort audit entries. Implementations must never
// block or fail the operation being audited.
type AuditSink interface {
	Log(ctx context.Context, eventType, userID string, details map[string]any)
}

// BatchError describes one failed batch.
type BatchError struct {
	Batch     int      `json:"batch"`
	RecordIDs []string `json:"recordIds"`
	Err       string   `json:"error"`
}

// Result accumulates per-batch outcomes of a bulk write.
type Result struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []BatchError `json:"errors,omitempty"`
}

// Engine executes bulk operations against the attendance store.
type Engine struct {
	store attendance.Store
	audit AuditSink
}

// NewEngine creates the engine. audit may not be nil; bulk deletes and
// imports must leave an audit trail.
func NewEngine(store attendance.Store, audit AuditSink) *Engine {
	return &Engine{store: store, audit: audit}
}

// UpdateStatus applies newStatus to every record id in batches. The status
// is validated before any work starts; an invalid status fails fast with no
// partial writes.
func (e *Engine) UpdateStatus(ctx context.Context, recordIDs []string, newStatus attendance.Status, actor string) (Result, error) {
	if len(recordIDs) == 0 {
		return Result{}, errors.New("no record ids provided")
	}
	if !attendance.ValidStatus(newStatus) {
		return Result{}, fmt.Errorf("invalid status provided: %q", newStatus)
	}
	if actor == "" {
		actor = "admin"
	}

	var res Result
	forEachBatch(recordIDs, func(batchNo int, ids []string) {
		if err := e.store.BatchUpdateStatus(ctx, ids, newStatus, actor); err != nil {
			res.Failed += len(ids)
			res.Errors = append(res.Errors, BatchError{Batch: batchNo, RecordIDs: ids, Err: err.Error()})
			metrics.BulkBatches.WithLabelValues("update", "failed").Inc()
			return
		}
		res.Success += len(ids)
		metrics.BulkBatches.WithLabelValues("update", "committed").Inc()
	})
	return res, nil
}

// DeleteRecords removes every record id in batches. The audit entry is
// written before any delete is issued so the trail survives a partial
// failure.
func (e *Engine) DeleteRecords(ctx context.Context, recordIDs []string, actor string) (Result, error) {
	if len(recordIDs) == 0 {
		return Result{}, errors.New("no record ids provided")
	}
	if actor == "" {
		actor = "admin"
	}

	e.audit.Log(ctx, "BULK_DELETE", actor, map[string]any{
		"recordIds":   recordIDs,
		"recordCount": len(recordIDs),
	})

	var res Result
	forEachBatch(recordIDs, func(batchNo int, ids []string) {
		if err := e.store.BatchDelete(ctx, ids); err != nil {
			res.Failed += len(ids)
			res.Errors = append(res.Errors, BatchError{Batch: batchNo, RecordIDs: ids, Err: err.Error()})
			metrics.BulkBatches.WithLabelValues("delete", "failed").Inc()
			return
		}
		res.Success += len(ids)
		metrics.BulkBatches.WithLabelValues("delete", "committed").Inc()
	})
	return res, nil
}

// forEachBatch slices ids into store-sized batches, numbering them from 1.
func forEachBatch(ids []string, fn func(batchNo int, ids []string)) {
	for i := 0; i < len(ids); i += attendance.MaxBatchSize {
		end := i + attendance.MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		fn(i/attendance.MaxBatchSize+1, ids[i:end])
	}
}

// existingSameDay reports which of the pending imports already have a record
// for their student on their local day. Lookups run in bounded groups so one
// huge import cannot issue an unbounded burst of queries.
func (e *Engine) existingSameDay(ctx context.Context, pending []importRecord) map[int]bool {
	dup := make(map[int]bool)
	for i := 0; i < len(pending); i += lookupBatchSize {
		end := i + lookupBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		for j := i; j < end; j++ {
			start, dayEnd := attendance.LocalDayBounds(pending[j].date)
			recs, err := e.store.FindByBarcodeAndRange(ctx, pending[j].barcodeID, start, dayEnd)
			if err != nil {
				// Unknown is not a duplicate; the import proceeds.
				continue
			}
			for _, r := range recs {
				if attendance.SameLocalDay(r.Timestamp, pending[j].date) {
					dup[j] = true
					break
				}
			}
		}
	}
	return dup
}

type importRecord struct {
	barcodeID string
	date      time.Time
	status    attendance.Status
}
