package bulkops

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scantrack/internal/attendance"
)

// ImportOptions control validation and duplicate handling during import.
type ImportOptions struct {
	SkipValidation bool
	SkipDuplicates bool
	ImportedBy     string
}

// ImportError describes one rejected row or failed batch. Row is 1-based;
// Batch is set only for write failures.
type ImportError struct {
	Row   int    `json:"row,omitempty"`
	Batch int    `json:"batch,omitempty"`
	Err   string `json:"error"`
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Total    int           `json:"total"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// Import parses raw CSV or JSON attendance data, validates rows, optionally
// skips same-day duplicates, and writes survivors in store-sized batches.
// Row-level problems collect into the result; they never abort the run.
func (e *Engine) Import(ctx context.Context, raw, format string, opts ImportOptions) (ImportResult, error) {
	if opts.ImportedBy == "" {
		opts.ImportedBy = "admin"
	}

	rows, err := parseImport(raw, format)
	if err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Total: len(rows)}
	var pending []importRecord
	for i, row := range rows {
		rec, rowErrs := row.validate()
		if !opts.SkipValidation && len(rowErrs) > 0 {
			res.Errors = append(res.Errors, ImportError{Row: i + 1, Err: strings.Join(rowErrs, "; ")})
			continue
		}
		pending = append(pending, rec)
	}

	if opts.SkipDuplicates && len(pending) > 0 {
		dup := e.existingSameDay(ctx, pending)
		var kept []importRecord
		for i, rec := range pending {
			if dup[i] {
				res.Skipped++
				continue
			}
			kept = append(kept, rec)
		}
		pending = kept
	}

	var recs []attendance.Record
	for _, p := range pending {
		recs = append(recs, attendance.Record{
			BarcodeID:  p.barcodeID,
			Timestamp:  p.date,
			Status:     p.status,
			RecordedBy: opts.ImportedBy,
		})
	}
	batchNo := 0
	for i := 0; i < len(recs); i += attendance.MaxBatchSize {
		end := i + attendance.MaxBatchSize
		if end > len(recs) {
			end = len(recs)
		}
		batchNo++
		if err := e.store.BatchInsert(ctx, recs[i:end]); err != nil {
			res.Errors = append(res.Errors, ImportError{Batch: batchNo, Err: err.Error()})
			continue
		}
		res.Imported += end - i
	}

	e.audit.Log(ctx, "BULK_IMPORT", opts.ImportedBy, map[string]any{
		"total":    res.Total,
		"imported": res.Imported,
		"skipped":  res.Skipped,
		"errors":   len(res.Errors),
	})
	return res, nil
}

// importRow is one raw row before validation.
type importRow struct {
	barcodeID string
	date      string
	status    string
}

func (r importRow) validate() (importRecord, []string) {
	var errs []string
	if r.barcodeID == "" {
		errs = append(errs, "barcode id is required")
	}
	var parsed time.Time
	if r.date == "" {
		errs = append(errs, "date is required")
	} else {
		var err error
		parsed, err = parseDate(r.date)
		if err != nil {
			errs = append(errs, "invalid date format")
		}
	}
	status := attendance.StatusPresent
	if r.status != "" {
		status = attendance.Status(r.status)
		if !attendance.ValidStatus(status) {
			errs = append(errs, "invalid status value")
		}
	}
	return importRecord{barcodeID: r.barcodeID, date: parsed, status: status}, errs
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func parseImport(raw, format string) ([]importRow, error) {
	switch strings.ToLower(format) {
	case "csv":
		return parseImportCSV(raw)
	case "json":
		return parseImportJSON(raw)
	default:
		return nil, fmt.Errorf("unsupported import format: %s", format)
	}
}

// parseImportCSV maps header names to normalized lowercase-no-space keys so
// "Barcode ID", "barcodeId", and "barcodeid" all address the same column.
func parseImportCSV(raw string) ([]importRow, error) {
	reader := csv.NewReader(strings.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	lines, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse failed: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil
	}

	cols := make(map[string]int, len(lines[0]))
	for i, h := range lines[0] {
		cols[normalizeHeader(h)] = i
	}
	field := func(line []string, key string) string {
		idx, ok := cols[key]
		if !ok || idx >= len(line) {
			return ""
		}
		return strings.TrimSpace(line[idx])
	}

	var out []importRow
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		out = append(out, importRow{
			barcodeID: field(line, "barcodeid"),
			date:      field(line, "date"),
			status:    field(line, "status"),
		})
	}
	return out, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(h)), ""))
}

type importJSONRecord struct {
	BarcodeID string `json:"barcodeId"`
	Date      string `json:"date"`
	Status    string `json:"status,omitempty"`
}

func parseImportJSON(raw string) ([]importRow, error) {
	var recs []importJSONRecord
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, fmt.Errorf("json parse failed: %w", err)
	}
	out := make([]importRow, 0, len(recs))
	for _, r := range recs {
		out = append(out, importRow{barcodeID: r.BarcodeID, date: r.Date, status: r.Status})
	}
	return out, nil
}
