package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type rsvpDoc struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Attending  bool   `json:"attending"`
	AdultCount int    `json:"adultCount"`
	KidCount   int    `json:"kidCount"`
}

var testIndexes = Indexes{"rsvps": {"email"}}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	rs, err := NewRedisStore(redisSrv.Addr(), "", "test:docs", testIndexes)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	gs, err := NewSQLiteStore(filepath.Join(t.TempDir(), "docs.db"), testIndexes)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(testIndexes),
		"redis":  rs,
		"sqlite": gs,
	}
}

func TestAppendGetUpdate(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := s.Append(ctx, "rsvps", rsvpDoc{Email: "ana@x.com", Name: "Ana", Attending: true, AdultCount: 2, KidCount: 1})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if id == "" {
				t.Fatalf("expected generated id")
			}
			if err := s.Update(ctx, "rsvps", id, map[string]any{"kidCount": 2}); err != nil {
				t.Fatalf("update: %v", err)
			}
			doc, ok, err := s.Get(ctx, "rsvps", id)
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			var got rsvpDoc
			if err := doc.Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Name != "Ana" || got.AdultCount != 2 || got.KidCount != 2 {
				t.Fatalf("unexpected merged document: %+v", got)
			}
			if _, ok, err := s.Get(ctx, "rsvps", "missing"); ok || err != nil {
				t.Fatalf("missing document: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestUpdateCreatesMissingDocument(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Update(ctx, "rsvps", "fixed-id", rsvpDoc{Email: "bo@x.com", Name: "Bo"}); err != nil {
				t.Fatalf("update: %v", err)
			}
			docs, err := s.QueryEqual(ctx, "rsvps", "email", "bo@x.com")
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(docs) != 1 || docs[0].ID != "fixed-id" {
				t.Fatalf("expected fixed-id, got %+v", docs)
			}
		})
	}
}

func TestQueryEqualFollowsUpdatedField(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := s.Append(ctx, "rsvps", rsvpDoc{Email: "old@x.com", Name: "Cy"})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if _, err := s.Append(ctx, "rsvps", rsvpDoc{Email: "other@x.com", Name: "Di"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := s.Update(ctx, "rsvps", id, map[string]any{"email": "new@x.com"}); err != nil {
				t.Fatalf("update: %v", err)
			}
			old, err := s.QueryEqual(ctx, "rsvps", "email", "old@x.com")
			if err != nil {
				t.Fatalf("query old: %v", err)
			}
			if len(old) != 0 {
				t.Fatalf("expected no match for old email, got %d", len(old))
			}
			cur, err := s.QueryEqual(ctx, "rsvps", "email", "new@x.com")
			if err != nil {
				t.Fatalf("query new: %v", err)
			}
			if len(cur) != 1 || cur[0].ID != id {
				t.Fatalf("expected %s, got %+v", id, cur)
			}
		})
	}
}

func TestQueryEqualWithoutIndex(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.QueryEqual(context.Background(), "rsvps", "name", "Ana")
			if !errors.Is(err, ErrQueryUnsupported) {
				t.Fatalf("expected ErrQueryUnsupported, got %v", err)
			}
		})
	}
}

func TestAppendRejectsNonObject(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Append(context.Background(), "messages", "plain string"); !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	ch    chan struct{}
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{ch: make(chan struct{}, 16)}
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *snapshotRecorder) waitFor(t *testing.T, n int) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.snaps) >= n {
			s := r.snaps[n-1]
			r.mu.Unlock()
			return s
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot %d", n)
		}
	}
}

func TestSubscribeDeliversFullSnapshots(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Append(ctx, "messages", map[string]any{"name": "A", "message": "hi"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			rec := newSnapshotRecorder()
			unsubscribe, err := s.Subscribe(ctx, "messages", rec.record)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer unsubscribe()

			first := rec.waitFor(t, 1)
			if len(first.Docs) != 1 {
				t.Fatalf("initial snapshot expected 1 doc, got %d", len(first.Docs))
			}
			if _, err := s.Append(ctx, "messages", map[string]any{"name": "B", "message": "yo"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			second := rec.waitFor(t, 2)
			if len(second.Docs) != 2 {
				t.Fatalf("second snapshot expected 2 docs, got %d", len(second.Docs))
			}
		})
	}
}

func TestSubscribeEmptyCollection(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := newSnapshotRecorder()
			unsubscribe, err := s.Subscribe(context.Background(), "messages", rec.record)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer unsubscribe()
			if snap := rec.waitFor(t, 1); !snap.Empty() {
				t.Fatalf("expected empty snapshot, got %d docs", len(snap.Docs))
			}
		})
	}
}

func TestMemoryUnsubscribeReleasesSubscription(t *testing.T) {
	s := NewMemoryStore(testIndexes)
	for i := 0; i < 3; i++ {
		unsubscribe, err := s.Subscribe(context.Background(), "rsvps", func(Snapshot) {})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if got := s.Subscribers("rsvps"); got != 1 {
			t.Fatalf("expected 1 subscriber, got %d", got)
		}
		unsubscribe()
		unsubscribe()
	}
	if got := s.Subscribers("rsvps"); got != 0 {
		t.Fatalf("expected no subscribers, got %d", got)
	}
}

func TestCanonicalDistinguishesTypes(t *testing.T) {
	a, _ := canonical("2")
	b, _ := canonical(2)
	if a == b {
		t.Fatalf("string and number must not compare equal: %s %s", a, b)
	}
	x, _ := canonical(json.RawMessage(`2.0`))
	y, _ := canonical(json.RawMessage(` 2.0 `))
	if x != y {
		t.Fatalf("formatting must not matter: %s %s", x, y)
	}
}
