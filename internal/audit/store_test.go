package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyfort/keyfort/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertEvent(t *testing.T, s *Store, op model.Operation, hash string, success bool, ts time.Time) Event {
	t.Helper()
	e := NewEvent(op, hash, "test-user")
	e.Timestamp = ts.UTC().Format(TimestampFormat)
	e.Backend = "ephemeral_memory"
	e.Success = success
	if !success {
		e.Error = "backend unavailable"
	}
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return e
}

func TestStoreQueryByIdentityHash(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	a := model.Identity{Service: "github", Account: "ci-bot"}.Hash()
	b := model.Identity{Service: "aws", Account: "deploy"}.Hash()
	insertEvent(t, s, model.OpGet, a, true, now)
	insertEvent(t, s, model.OpGet, b, true, now.Add(time.Second))
	insertEvent(t, s, model.OpSet, a, true, now.Add(2*time.Second))

	events, err := s.Query(context.Background(), Filter{IdentityHash: a})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for identity, got %d", len(events))
	}
	for _, e := range events {
		if e.IdentityHash != a {
			t.Fatalf("unexpected identity hash %s", e.IdentityHash)
		}
	}
}

func TestStoreQueryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	hash := model.Identity{Service: "github", Account: "ci-bot"}.Hash()
	insertEvent(t, s, model.OpGet, hash, true, now)
	insertEvent(t, s, model.OpSet, hash, true, now.Add(time.Second))
	insertEvent(t, s, model.OpDelete, hash, true, now.Add(2*time.Second))

	events, err := s.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Operation != model.OpDelete || events[2].Operation != model.OpGet {
		t.Fatalf("expected newest-first ordering, got %s..%s", events[0].Operation, events[2].Operation)
	}
}

func TestStoreQueryFailuresOnly(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	hash := model.Identity{Service: "github", Account: "ci-bot"}.Hash()
	insertEvent(t, s, model.OpGet, hash, true, now)
	insertEvent(t, s, model.OpGet, hash, false, now.Add(time.Second))
	insertEvent(t, s, model.OpGet, hash, false, now.Add(2*time.Second))

	events, err := s.Query(context.Background(), Filter{FailuresOnly: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(events))
	}
	for _, e := range events {
		if e.Success {
			t.Fatal("failures-only query returned a successful event")
		}
	}
}

func TestStoreQueryTimeWindowAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	hash := model.Identity{Service: "github", Account: "ci-bot"}.Hash()
	for i := 0; i < 10; i++ {
		insertEvent(t, s, model.OpGet, hash, true, base.Add(time.Duration(i)*time.Minute))
	}

	events, err := s.Query(context.Background(), Filter{
		Since: base.Add(2 * time.Minute),
		Until: base.Add(7 * time.Minute),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events in window, got %d", len(events))
	}

	limited, err := s.Query(context.Background(), Filter{Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected 3 events with limit, got %d", len(limited))
	}
}

func TestStoreInsertIsIdempotentPerEventID(t *testing.T) {
	s := newTestStore(t)

	e := NewEvent(model.OpGet, "sha256:abc", "test-user")
	e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("duplicate insert should be ignored, got: %v", err)
	}

	events, err := s.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after duplicate insert, got %d", len(events))
	}
}
