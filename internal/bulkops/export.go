package bulkops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scantrack/internal/analytics"
	"scantrack/internal/attendance"
)

// ExportOptions selects and shapes the exported record set. Date range and
// statuses filter at the store; departments and the barcode allowlist filter
// client-side on the fetched rows.
type ExportOptions struct {
	Format      string              `json:"format"` // csv, json
	From        time.Time           `json:"from,omitempty"`
	To          time.Time           `json:"to,omitempty"`
	Statuses    []attendance.Status `json:"statuses,omitempty"`
	Departments []string            `json:"departments,omitempty"`
	BarcodeIDs  []string            `json:"barcodeIds,omitempty"`
	NoHeaders   bool                `json:"noHeaders,omitempty"`
}

// Export serializes matching records in the requested format.
func (e *Engine) Export(ctx context.Context, opts ExportOptions) (string, error) {
	recs, err := e.store.List(ctx, attendance.Filter{
		From:     opts.From,
		To:       opts.To,
		Statuses: opts.Statuses,
	})
	if err != nil {
		return "", fmt.Errorf("export query failed: %w", err)
	}

	if len(opts.Departments) > 0 {
		want := make(map[string]bool, len(opts.Departments))
		for _, d := range opts.Departments {
			want[d] = true
		}
		var kept []attendance.Record
		for _, r := range recs {
			if r.BarcodeID != "" && want[analytics.ExtractDepartment(r.BarcodeID)] {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if len(opts.BarcodeIDs) > 0 {
		want := make(map[string]bool, len(opts.BarcodeIDs))
		for _, id := range opts.BarcodeIDs {
			want[id] = true
		}
		var kept []attendance.Record
		for _, r := range recs {
			if want[r.BarcodeID] {
				kept = append(kept, r)
			}
		}
		recs = kept
	}

	switch strings.ToLower(opts.Format) {
	case "", "csv":
		return formatCSV(recs, !opts.NoHeaders), nil
	case "json":
		return formatJSON(recs)
	case "xlsx":
		return "", fmt.Errorf("xlsx export not implemented")
	default:
		return "", fmt.Errorf("unsupported format: %s", opts.Format)
	}
}

var exportHeaders = []string{"ID", "Barcode ID", "Date", "Time", "Status", "Created At", "Updated At", "Updated By"}

// formatCSV renders every field double-quoted with embedded quotes doubled,
// the escaping the legacy consumers of this feed already parse.
func formatCSV(recs []attendance.Record, includeHeaders bool) string {
	var b strings.Builder
	if includeHeaders {
		b.WriteString(strings.Join(exportHeaders, ","))
		b.WriteByte('\n')
	}
	for _, r := range recs {
		ts := r.Timestamp.Local()
		updatedAt := ""
		if r.UpdatedAt != nil {
			updatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fields := []string{
			r.ID,
			r.BarcodeID,
			ts.Format("2006-01-02"),
			ts.Format("15:04:05"),
			string(r.Status),
			r.CreatedAt.UTC().Format(time.RFC3339),
			updatedAt,
			r.UpdatedBy,
		}
		for i, f := range fields {
			fields[i] = quoteField(f)
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteByte('\n')
	}
	return b.String()
}

func quoteField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type exportedRecord struct {
	ID        string `json:"id"`
	BarcodeID string `json:"barcodeId"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

func formatJSON(recs []attendance.Record) (string, error) {
	out := make([]exportedRecord, 0, len(recs))
	for _, r := range recs {
		er := exportedRecord{
			ID:        r.ID,
			BarcodeID: r.BarcodeID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Status:    string(r.Status),
			UpdatedBy: r.UpdatedBy,
		}
		if !r.CreatedAt.IsZero() {
			er.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		if r.UpdatedAt != nil {
			er.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, er)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
