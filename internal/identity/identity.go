// Package identity owns student records and their barcode identities.
package identity

import (
	"context"
	"errors"
	"time"
)

// Role is the access role attached to an identity.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
	RoleViewer     Role = "viewer"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent, RoleViewer:
		return true
	}
	return false
}

// ErrNotFound is returned when no identity matches the lookup.
var ErrNotFound = errors.New("identity not found")

// StudentIdentity is a registered student. BarcodeID is assigned once at
// registration and immutable afterwards; only Role may change.
type StudentIdentity struct {
	StudentID    string    `json:"studentId"`
	BarcodeID    string    `json:"barcodeId"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	Department   string    `json:"department"`
	AcademicYear int       `json:"academicYear"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Directory is the student identity store.
type Directory interface {
	Put(ctx context.Context, s StudentIdentity) error
	Get(ctx context.Context, studentID string) (StudentIdentity, error)
	FindByBarcode(ctx context.Context, barcode string) (StudentIdentity, error)
	BarcodesInRange(ctx context.Context, lo, hi string) ([]string, error)
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
	UpdateRole(ctx context.Context, studentID string, role Role) error
}
