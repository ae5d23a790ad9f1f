package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-memory Directory for dev mode and tests.
// FailReads makes every read return an error, for exercising fallback paths.
type MemoryDirectory struct {
	mu        sync.Mutex
	byID      map[string]StudentIdentity
	FailReads bool
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byID: make(map[string]StudentIdentity)}
}

var errReadFailure = errors.New("directory read failure")

func (d *MemoryDirectory) Put(_ context.Context, s StudentIdentity) error {
	if s.StudentID == "" || s.BarcodeID == "" {
		return errors.New("student id and barcode id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byID[s.StudentID]; ok {
		s.BarcodeID = existing.BarcodeID
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	d.byID[s.StudentID] = s
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, studentID string) (StudentIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReads {
		return StudentIdentity{}, errReadFailure
	}
	s, ok := d.byID[studentID]
	if !ok {
		return StudentIdentity{}, ErrNotFound
	}
	return s, nil
}

func (d *MemoryDirectory) FindByBarcode(_ context.Context, barcode string) (StudentIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReads {
		return StudentIdentity{}, errReadFailure
	}
	for _, s := range d.byID {
		if s.BarcodeID == barcode {
			return s, nil
		}
	}
	return StudentIdentity{}, ErrNotFound
}

func (d *MemoryDirectory) BarcodesInRange(_ context.Context, lo, hi string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReads {
		return nil, errReadFailure
	}
	var out []string
	for _, s := range d.byID {
		if s.BarcodeID >= lo && s.BarcodeID <= hi {
			out = append(out, s.BarcodeID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) BarcodeExists(_ context.Context, barcode string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReads {
		return false, errReadFailure
	}
	for _, s := range d.byID {
		if s.BarcodeID == barcode {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDirectory) UpdateRole(_ context.Context, studentID string, role Role) error {
	if !ValidRole(role) {
		return errors.New("invalid role: " + string(role))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byID[studentID]
	if !ok {
		return ErrNotFound
	}
	s.Role = role
	s.UpdatedAt = time.Now()
	d.byID[studentID] = s
	return nil
}

// Remove deletes a student, freeing its barcode sequence for reuse.
func (d *MemoryDirectory) Remove(_ context.Context, studentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byID, studentID)
}
