package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresDirectory persists student identities in Postgres.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over the given connection.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Put upserts a student record. The barcode id is write-once: conflicts on
// student_id update everything except barcode_id.
func (d *PostgresDirectory) Put(ctx context.Context, s StudentIdentity) error {
	if s.StudentID == "" || s.BarcodeID == "" {
		return errors.New("student id and barcode id required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO students (student_id, barcode_id, email, name, department, academic_year, role)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (student_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			department = EXCLUDED.department,
			academic_year = EXCLUDED.academic_year,
			updated_at = NOW()
	`, s.StudentID, s.BarcodeID, s.Email, s.Name, s.Department, s.AcademicYear, string(s.Role))
	return err
}

// Get returns one identity by student id.
func (d *PostgresDirectory) Get(ctx context.Context, studentID string) (StudentIdentity, error) {
	return d.scanOne(d.db.QueryRowContext(ctx, `
		SELECT student_id, barcode_id, email, name, department, academic_year, role, created_at, updated_at
		FROM students WHERE student_id = $1
	`, studentID))
}

// FindByBarcode returns the identity owning a barcode.
func (d *PostgresDirectory) FindByBarcode(ctx context.Context, barcode string) (StudentIdentity, error) {
	return d.scanOne(d.db.QueryRowContext(ctx, `
		SELECT student_id, barcode_id, email, name, department, academic_year, role, created_at, updated_at
		FROM students WHERE barcode_id = $1
	`, barcode))
}

func (d *PostgresDirectory) scanOne(row *sql.Row) (StudentIdentity, error) {
	var s StudentIdentity
	var role string
	var email, name sql.NullString
	var updated sql.NullTime
	err := row.Scan(&s.StudentID, &s.BarcodeID, &email, &name, &s.Department, &s.AcademicYear, &role, &s.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return StudentIdentity{}, ErrNotFound
	}
	if err != nil {
		return StudentIdentity{}, err
	}
	s.Email = email.String
	s.Name = name.String
	s.Role = Role(role)
	if updated.Valid {
		s.UpdatedAt = updated.Time
	}
	return s, nil
}

// BarcodesInRange returns allocated barcode ids lexicographically within [lo, hi].
func (d *PostgresDirectory) BarcodesInRange(ctx context.Context, lo, hi string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT barcode_id FROM students
		WHERE barcode_id >= $1 AND barcode_id <= $2
		ORDER BY barcode_id
	`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var bc string
		if err := rows.Scan(&bc); err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// BarcodeExists reports whether a barcode is allocated.
func (d *PostgresDirectory) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM students WHERE barcode_id = $1`, barcode).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateRole promotes or demotes a student.
func (d *PostgresDirectory) UpdateRole(ctx context.Context, studentID string, role Role) error {
	if !ValidRole(role) {
		return errors.New("invalid role: " + string(role))
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE students SET role = $2, updated_at = $3 WHERE student_id = $1
	`, studentID, string(role), time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
