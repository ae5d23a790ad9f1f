package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists attendance records in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the given connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, barcode_id, occurred_at, status, recorded_by, dup_check_method, extra, created_at, updated_at, updated_by`

// Insert writes a new record, assigning id and timestamps when unset.
func (s *PostgresStore) Insert(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusPresent
	}
	extra, err := marshalExtra(r.Extra)
	if err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, barcode_id, occurred_at, status, recorded_by, dup_check_method, extra)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, r.ID, r.BarcodeID, r.Timestamp, string(r.Status), r.RecordedBy, r.DuplicateCheckMethod, extra)
	if err := row.Scan(&r.CreatedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Get returns a single record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE id = $1
	`, id)
	return scanRecord(row)
}

// FindByBarcodeAndRange is the composite-index detection path. A missing
// relation or column from a partially provisioned schema surfaces as
// ErrIndexUnavailable so the detector can fall back.
func (s *PostgresStore) FindByBarcodeAndRange(ctx context.Context, barcodeID string, start, end time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE barcode_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	`, barcodeID, start, end)
	if err != nil {
		return nil, mapIndexErr(err)
	}
	return collectRecords(rows)
}

// FindRecentByBarcode returns the newest records for one barcode.
func (s *PostgresStore) FindRecentByBarcode(ctx context.Context, barcodeID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE barcode_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, barcodeID, limit)
	if err != nil {
		return nil, mapIndexErr(err)
	}
	return collectRecords(rows)
}

// FindByBarcode returns every record for one barcode.
func (s *PostgresStore) FindByBarcode(ctx context.Context, barcodeID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE barcode_id = $1
	`, barcodeID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// List returns records matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args := buildListQuery(f, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapIndexErr(err)
	}
	return collectRecords(rows)
}

// ListUnordered is List without the ordering clause.
func (s *PostgresStore) ListUnordered(ctx context.Context, f Filter) ([]Record, error) {
	query, args := buildListQuery(f, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func buildListQuery(f Filter, ordered bool) (string, []any) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	var clauses []string
	var args []any
	if f.BarcodeID != "" {
		args = append(args, f.BarcodeID)
		clauses = append(clauses, fmt.Sprintf("barcode_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		var in []string
		for _, st := range f.Statuses {
			args = append(args, string(st))
			in = append(in, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(in, ",")+")")
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if ordered {
		query += " ORDER BY occurred_at DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// BatchUpdateStatus applies one status to every id in a single transaction.
func (s *PostgresStore) BatchUpdateStatus(ctx context.Context, ids []string, status Status, updatedBy string) error {
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ids), MaxBatchSize)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE attendance_records
				SET status = $2, updated_at = NOW(), updated_by = $3
				WHERE id = $1
			`, id, string(status), updatedBy); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchDelete removes every id in a single transaction.
func (s *PostgresStore) BatchDelete(ctx context.Context, ids []string) error {
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ids), MaxBatchSize)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM attendance_records WHERE id = $1`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchInsert persists the records in a single transaction.
func (s *PostgresStore) BatchInsert(ctx context.Context, recs []Record) error {
	if len(recs) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(recs), MaxBatchSize)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if r.Status == "" {
				r.Status = StatusPresent
			}
			extra, err := marshalExtra(r.Extra)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attendance_records (id, barcode_id, occurred_at, status, recorded_by, dup_check_method, extra)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, r.ID, r.BarcodeID, r.Timestamp, string(r.Status), r.RecordedBy, r.DuplicateCheckMethod, extra); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanRecord(row *sql.Row) (Record, error) {
	var r Record
	var status, recordedBy, method, updatedBy sql.NullString
	var extra []byte
	var updatedAt sql.NullTime
	err := row.Scan(&r.ID, &r.BarcodeID, &r.Timestamp, &status, &recordedBy, &method, &extra, &r.CreatedAt, &updatedAt, &updatedBy)
	if err != nil {
		return Record{}, err
	}
	fillRecord(&r, status, recordedBy, method, updatedBy, extra, updatedAt)
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var status, recordedBy, method, updatedBy sql.NullString
		var extra []byte
		var updatedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.BarcodeID, &r.Timestamp, &status, &recordedBy, &method, &extra, &r.CreatedAt, &updatedAt, &updatedBy); err != nil {
			return nil, err
		}
		fillRecord(&r, status, recordedBy, method, updatedBy, extra, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func fillRecord(r *Record, status, recordedBy, method, updatedBy sql.NullString, extra []byte, updatedAt sql.NullTime) {
	r.Status = Status(status.String)
	r.RecordedBy = recordedBy.String
	r.DuplicateCheckMethod = method.String
	r.UpdatedBy = updatedBy.String
	if updatedAt.Valid {
		t := updatedAt.Time
		r.UpdatedAt = &t
	}
	if len(extra) > 0 {
		_ = json.Unmarshal(extra, &r.Extra)
	}
}

func marshalExtra(extra map[string]string) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	return json.Marshal(extra)
}

// mapIndexErr translates a partially provisioned schema (missing relation or
// column) into ErrIndexUnavailable so tiered callers can degrade instead of
// failing outright.
func mapIndexErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703", "42704":
			return fmt.Errorf("%w: %s", ErrIndexUnavailable, pgErr.Message)
		}
	}
	return err
}
