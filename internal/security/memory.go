package security

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAuditStore is an in-memory AuditStore for tests and dev.
type MemoryAuditStore struct {
	mu        sync.Mutex
	entries   []AuditEntry
	FailReads bool
}

func NewMemoryAuditStore() *MemoryAuditStore { return &MemoryAuditStore{} }

func (s *MemoryAuditStore) Insert(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryAuditStore) CountSince(_ context.Context, userID, eventType string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return 0, errors.New("audit store unavailable")
	}
	n := 0
	for _, e := range s.entries {
		if e.UserID == userID && e.EventType == eventType && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryAuditStore) List(_ context.Context, opts QueryOptions) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return nil, errors.New("audit store unavailable")
	}
	var out []AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.EventType != "" && e.EventType != opts.EventType {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Len reports how many entries have been written.
func (s *MemoryAuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MemoryEventStore is an in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func NewMemoryEventStore() *MemoryEventStore { return &MemoryEventStore{} }

func (s *MemoryEventStore) Insert(_ context.Context, e SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryEventStore) List(_ context.Context, opts QueryOptions) ([]SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SecurityEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.EventType != "" && e.Type != opts.EventType {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// MemorySessionStore is an in-memory SessionStore. FailWrites simulates an
// unavailable store so the temp_ fallback path can be exercised.
type MemorySessionStore struct {
	mu         sync.Mutex
	sessions   map[string]Session
	FailWrites bool
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Insert(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("session store unavailable")
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemorySessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("session store unavailable")
	}
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

func (s *MemorySessionStore) End(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("session store unavailable")
	}
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	sess.IsActive = false
	sess.EndTime = &at
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

// Get returns a stored session, for tests.
func (s *MemorySessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// MemoryRoleStore is an in-memory secondary role source.
type MemoryRoleStore struct {
	mu    sync.Mutex
	roles map[string]string
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]string)}
}

func (s *MemoryRoleStore) Set(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = role
}

func (s *MemoryRoleStore) Role(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[userID]
	if !ok {
		return "", errors.New("no role")
	}
	return r, nil
}
