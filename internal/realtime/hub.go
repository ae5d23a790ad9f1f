// Package realtime maintains live subscriptions over the attendance store.
// Consumers register a callback and receive a complete ordered snapshot on
// every change, never a diff; replacing the whole view keeps consumers
// trivially consistent with the store.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"scantrack/internal/attendance"
)

// Callback receives each snapshot push. Subscription errors arrive through
// the same callback with a nil snapshot; they are never thrown away.
type Callback func(records []attendance.Record, err error)

// Subscription is a live registration on the hub. Unsubscribe is idempotent:
// calling it twice removes exactly one registration and is safe.
type Subscription struct {
	id   string
	hub  *Hub
	once sync.Once
}

// Unsubscribe stops further deliveries. A callback already in flight may
// still complete.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

type registration struct {
	filter attendance.Filter
	cb     Callback
}

// Hub owns the subscription registry and a local id-to-record cache usable
// for optimistic reads without a store round trip. The registry is an owned
// object, not ambient state, so lifecycle is explicit and testable.
type Hub struct {
	store attendance.Store

	mu    sync.Mutex
	subs  map[string]*registration
	cache map[string]attendance.Record
}

// NewHub creates a hub over the given store.
func NewHub(store attendance.Store) *Hub {
	return &Hub{
		store: store,
		subs:  make(map[string]*registration),
		cache: make(map[string]attendance.Record),
	}
}

// Subscribe registers a callback for snapshots matching the filter and
// immediately delivers the current snapshot. Filter constraints are ANDed.
func (h *Hub) Subscribe(ctx context.Context, f attendance.Filter, cb Callback) *Subscription {
	id := uuid.NewString()
	reg := &registration{filter: f, cb: cb}

	h.mu.Lock()
	h.subs[id] = reg
	h.mu.Unlock()
	h.push(ctx, reg)

	return &Subscription{id: id, hub: h}
}

// SubscribeStudent registers a feed scoped to one student's records, newest
// first. The sorted-descending contract holds regardless of whether the
// ordered query path or the unordered fallback served the snapshot.
func (h *Hub) SubscribeStudent(ctx context.Context, barcodeID string, cb Callback) *Subscription {
	return h.Subscribe(ctx, attendance.Filter{BarcodeID: barcodeID}, cb)
}

// Invalidate pushes a fresh snapshot to every subscription. Call it after
// any write to the attendance store. Pushes for one subscription are
// serialized; ordering across different subscriptions is not guaranteed.
func (h *Hub) Invalidate(ctx context.Context) {
	h.mu.Lock()
	regs := make([]*registration, 0, len(h.subs))
	for _, reg := range h.subs {
		regs = append(regs, reg)
	}
	h.mu.Unlock()
	for _, reg := range regs {
		h.push(ctx, reg)
	}
}

// push queries a snapshot for one registration and delivers it. The callback
// runs without h.mu held, so it may re-enter the hub (Unsubscribe, Cached,
// SubscriberCount) freely.
func (h *Hub) push(ctx context.Context, reg *registration) {
	recs, err := h.store.List(ctx, reg.filter)
	if errors.Is(err, attendance.ErrIndexUnavailable) {
		// The ordered composite path needs an index that may not exist;
		// fall back to the unordered shape and sort here so the caller
		// sees an identical contract.
		recs, err = h.store.ListUnordered(ctx, reg.filter)
		if err == nil {
			sort.SliceStable(recs, func(i, j int) bool {
				return recs[i].Timestamp.After(recs[j].Timestamp)
			})
		}
	}
	if err != nil {
		reg.cb(nil, err)
		return
	}
	h.mu.Lock()
	for _, r := range recs {
		h.cache[r.ID] = r
	}
	h.mu.Unlock()
	reg.cb(recs, nil)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Cached returns a record from the local cache without touching the store.
func (h *Hub) Cached(id string) (attendance.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.cache[id]
	return r, ok
}

// SubscriberCount reports active registrations.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every registration and clears the cache.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string]*registration)
	h.cache = make(map[string]attendance.Record)
}
