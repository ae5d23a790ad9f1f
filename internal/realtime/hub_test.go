package realtime

import (
	"context"
	"testing"
	"time"

	"scantrack/internal/attendance"
)

func insert(t *testing.T, s *attendance.MemoryStore, barcodeID string, ts time.Time) attendance.Record {
	t.Helper()
	r, err := s.Insert(context.Background(), attendance.Record{BarcodeID: barcodeID, Timestamp: ts})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return r
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	s := attendance.NewMemoryStore()
	now := time.Now()
	insert(t, s, "2025CS001", now)
	insert(t, s, "2025IT002", now.Add(-time.Minute))

	hub := NewHub(s)
	var got []attendance.Record
	sub := hub.Subscribe(context.Background(), attendance.Filter{}, func(recs []attendance.Record, err error) {
		if err != nil {
			t.Fatalf("callback err: %v", err)
		}
		got = recs
	})
	defer sub.Unsubscribe()

	if len(got) != 2 {
		t.Fatalf("snapshot has %d records, want 2", len(got))
	}
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Fatal("snapshot must be newest first")
	}
}

func TestInvalidatePushesFullSnapshotNotDiff(t *testing.T) {
	s := attendance.NewMemoryStore()
	hub := NewHub(s)
	ctx := context.Background()

	var pushes [][]attendance.Record
	sub := hub.Subscribe(ctx, attendance.Filter{}, func(recs []attendance.Record, err error) {
		pushes = append(pushes, recs)
	})
	defer sub.Unsubscribe()

	insert(t, s, "2025CS001", time.Now())
	hub.Invalidate(ctx)
	insert(t, s, "2025IT002", time.Now())
	hub.Invalidate(ctx)

	if len(pushes) != 3 {
		t.Fatalf("push count = %d, want 3 (initial + 2 invalidations)", len(pushes))
	}
	if len(pushes[1]) != 1 || len(pushes[2]) != 2 {
		t.Fatalf("snapshots must be complete result sets: %d then %d", len(pushes[1]), len(pushes[2]))
	}
}

func TestFiltersAreANDed(t *testing.T) {
	s := attendance.NewMemoryStore()
	now := time.Now()
	match := insert(t, s, "2025CS001", now)
	insert(t, s, "2025CS001", now.AddDate(0, 0, -5)) // outside window
	insert(t, s, "2025IT002", now)                   // other student

	from, to := attendance.LocalDayBounds(now)
	hub := NewHub(s)
	var got []attendance.Record
	sub := hub.Subscribe(context.Background(), attendance.Filter{
		BarcodeID: "2025CS001",
		Statuses:  []attendance.Status{attendance.StatusPresent},
		From:      from,
		To:        to,
	}, func(recs []attendance.Record, err error) { got = recs })
	defer sub.Unsubscribe()

	if len(got) != 1 || got[0].ID != match.ID {
		t.Fatalf("filtered snapshot = %+v, want only %s", got, match.ID)
	}
}

func TestStudentFeedOrderedFallback(t *testing.T) {
	s := attendance.NewMemoryStore()
	s.FailOrdered = true // ordered composite path has no index
	now := time.Now()
	insert(t, s, "2025CS001", now.Add(-2*time.Hour))
	insert(t, s, "2025CS001", now)
	insert(t, s, "2025CS001", now.Add(-time.Hour))

	hub := NewHub(s)
	var got []attendance.Record
	sub := hub.SubscribeStudent(context.Background(), "2025CS001", func(recs []attendance.Record, err error) {
		if err != nil {
			t.Fatalf("fallback must not surface an error: %v", err)
		}
		got = recs
	})
	defer sub.Unsubscribe()

	if len(got) != 3 {
		t.Fatalf("snapshot has %d records, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Timestamp.Before(got[i].Timestamp) {
			t.Fatal("fallback snapshot must still be sorted descending")
		}
	}
}

func TestErrorsDeliveredThroughCallback(t *testing.T) {
	s := attendance.NewMemoryStore()
	s.FailOrdered = true
	s.FailUnordered = true

	hub := NewHub(s)
	var gotErr error
	called := false
	sub := hub.Subscribe(context.Background(), attendance.Filter{}, func(recs []attendance.Record, err error) {
		called = true
		gotErr = err
		if recs != nil {
			t.Fatal("error push must not carry a snapshot")
		}
	})
	defer sub.Unsubscribe()

	if !called {
		t.Fatal("callback not invoked")
	}
	if gotErr == nil {
		t.Fatal("store failure must be delivered as the callback's error argument")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := attendance.NewMemoryStore()
	hub := NewHub(s)
	ctx := context.Background()

	pushes := 0
	a := hub.Subscribe(ctx, attendance.Filter{}, func([]attendance.Record, error) { pushes++ })
	b := hub.Subscribe(ctx, attendance.Filter{}, func([]attendance.Record, error) {})

	a.Unsubscribe()
	a.Unsubscribe() // second call must not remove b's registration
	if hub.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", hub.SubscriberCount())
	}

	before := pushes
	hub.Invalidate(ctx)
	if pushes != before {
		t.Fatal("unsubscribed callback still receiving pushes")
	}
	b.Unsubscribe()
}

func TestCallbackMayReenterHub(t *testing.T) {
	s := attendance.NewMemoryStore()
	hub := NewHub(s)
	ctx := context.Background()
	insert(t, s, "2025CS001", time.Now())

	var sub *Subscription
	sub = hub.Subscribe(ctx, attendance.Filter{}, func(recs []attendance.Record, err error) {
		if sub == nil {
			return // initial delivery, before Subscribe returned
		}
		hub.SubscriberCount()
		if len(recs) > 0 {
			hub.Cached(recs[0].ID)
		}
		sub.Unsubscribe()
	})

	done := make(chan struct{})
	go func() {
		hub.Invalidate(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant hub call from a callback deadlocked the push")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0 after self-unsubscribe", hub.SubscriberCount())
	}
}

func TestCacheTracksDeliveredRecords(t *testing.T) {
	s := attendance.NewMemoryStore()
	hub := NewHub(s)
	ctx := context.Background()

	sub := hub.Subscribe(ctx, attendance.Filter{}, func([]attendance.Record, error) {})
	defer sub.Unsubscribe()

	r := insert(t, s, "2025CS001", time.Now())
	hub.Invalidate(ctx)

	cached, ok := hub.Cached(r.ID)
	if !ok {
		t.Fatal("record missing from cache after push")
	}
	if cached.BarcodeID != "2025CS001" {
		t.Fatalf("cached record = %+v", cached)
	}
}
