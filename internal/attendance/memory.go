package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for dev mode and tests. The Fail* flags
// make individual query shapes return errors so fallback tiers can be
// exercised; FailRange returns ErrIndexUnavailable to mimic a store whose
// compound index has not been provisioned yet.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record

	FailRange     bool
	FailRecent    bool
	FailScan      bool
	FailOrdered   bool
	FailUnordered bool
	// BeforeBatch runs before a batch commits; returning an error fails
	// the whole batch, leaving it unapplied.
	BeforeBatch func(op string, size int) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepare(&r)
	s.recs[r.ID] = r
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("record %s not found", id)
	}
	return r, nil
}

func (s *MemoryStore) FindByBarcodeAndRange(_ context.Context, barcodeID string, start, end time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRange {
		return nil, ErrIndexUnavailable
	}
	var out []Record
	for _, r := range s.recs {
		if r.BarcodeID == barcodeID && !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindRecentByBarcode(_ context.Context, barcodeID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRecent {
		return nil, errors.New("ordered query failed")
	}
	var out []Record
	for _, r := range s.recs {
		if r.BarcodeID == barcodeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByBarcode(_ context.Context, barcodeID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailScan {
		return nil, errors.New("scan query failed")
	}
	var out []Record
	for _, r := range s.recs {
		if r.BarcodeID == barcodeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	failOrdered := s.FailOrdered
	s.mu.Unlock()
	if failOrdered {
		return nil, ErrIndexUnavailable
	}
	out, err := s.ListUnordered(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnordered(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUnordered {
		return nil, errors.New("unordered query failed")
	}
	var out []Record
	for _, r := range s.recs {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) BatchUpdateStatus(_ context.Context, ids []string, status Status, updatedBy string) error {
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ids), MaxBatchSize)
	}
	if s.BeforeBatch != nil {
		if err := s.BeforeBatch("update", len(ids)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if r, ok := s.recs[id]; ok {
			r.Status = status
			r.UpdatedAt = &now
			r.UpdatedBy = updatedBy
			s.recs[id] = r
		}
	}
	return nil
}

func (s *MemoryStore) BatchDelete(_ context.Context, ids []string) error {
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ids), MaxBatchSize)
	}
	if s.BeforeBatch != nil {
		if err := s.BeforeBatch("delete", len(ids)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.recs, id)
	}
	return nil
}

func (s *MemoryStore) BatchInsert(_ context.Context, recs []Record) error {
	if len(recs) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(recs), MaxBatchSize)
	}
	if s.BeforeBatch != nil {
		if err := s.BeforeBatch("insert", len(recs)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		prepare(&r)
		s.recs[r.ID] = r
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func prepare(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusPresent
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
}
