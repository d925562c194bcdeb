package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keyfort/keyfort/internal/audit"
	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/backend/encfile"
	"github.com/keyfort/keyfort/internal/backend/memstore"
	"github.com/keyfort/keyfort/internal/detect"
	"github.com/keyfort/keyfort/internal/model"
)

// captureAuditor records events in memory for assertions.
type captureAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAuditor) Record(e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureAuditor) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureAuditor) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// flakyNative probes clean but fails every operation as unavailable,
// simulating a platform store that goes down after startup.
type flakyNative struct {
	ops int
}

func (f *flakyNative) Kind() backend.Kind              { return backend.NativeStore }
func (f *flakyNative) Probe(ctx context.Context) error { return nil }

func (f *flakyNative) Store(ctx context.Context, rec model.SecretRecord) error {
	f.ops++
	return fmt.Errorf("native_store: %w", backend.ErrUnavailable)
}

func (f *flakyNative) Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	f.ops++
	return nil, fmt.Errorf("native_store: %w", backend.ErrUnavailable)
}

func (f *flakyNative) Remove(ctx context.Context, id model.Identity) error {
	f.ops++
	return fmt.Errorf("native_store: %w", backend.ErrUnavailable)
}

func (f *flakyNative) Enumerate(ctx context.Context) ([]model.Identity, error) {
	f.ops++
	return nil, fmt.Errorf("native_store: %w", backend.ErrUnavailable)
}

func newTestManager(t *testing.T, adapters []backend.Adapter) (*Manager, *captureAuditor) {
	t.Helper()
	ranking, err := detect.Detect(context.Background(), adapters, 0)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	sink := &captureAuditor{}
	return New(ranking, sink, Options{Actor: "test-user"}), sink
}

func newEncFile(t *testing.T) *encfile.Store {
	t.Helper()
	dir := t.TempDir()
	return encfile.New(filepath.Join(dir, "secrets.kf"), filepath.Join(dir, "seed"))
}

var ciBot = model.Identity{Service: "github", Account: "ci-bot"}

func TestSetThenGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	if err := m.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err := m.Get(ctx, ciBot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Value) != "tok_123" {
		t.Fatalf("expected tok_123, got %q", rec.Value)
	}
}

func TestRepeatedSetIsRotationNotDuplication(t *testing.T) {
	m, sink := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	if err := m.Set(ctx, ciBot, []byte("tok_1"), model.ClassConfidential); err != nil {
		t.Fatalf("first set: %v", err)
	}
	first, _ := m.Get(ctx, ciBot)
	sink.reset()

	if err := m.Set(ctx, ciBot, []byte("tok_2"), model.ClassConfidential); err != nil {
		t.Fatalf("second set: %v", err)
	}

	ids, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one record after rotation, got %d", len(ids))
	}

	rec, err := m.Get(ctx, ciBot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Value) != "tok_2" {
		t.Fatalf("expected rotated value, got %q", rec.Value)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("rotation must preserve created_at")
	}
	if rec.LastRotatedAt == nil {
		t.Fatal("rotation must set last_rotated_at")
	}

	var setEvents []audit.Event
	for _, e := range sink.all() {
		if e.Operation == model.OpSet {
			setEvents = append(setEvents, e)
		}
	}
	if len(setEvents) != 1 || !setEvents[0].Rotation {
		t.Fatalf("expected one rotation-flagged set event, got %+v", setEvents)
	}
}

func TestUnavailableBackendIsNotRecontactedWithoutRefresh(t *testing.T) {
	native := &flakyNative{}
	m, _ := newTestManager(t, []backend.Adapter{native, newEncFile(t), memstore.New()})
	ctx := context.Background()

	if err := m.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential); err != nil {
		t.Fatalf("set: %v", err)
	}
	opsAfterSet := native.ops
	if opsAfterSet == 0 {
		t.Fatal("expected native backend to be contacted on first set")
	}

	for i := 0; i < 5; i++ {
		if _, err := m.Get(ctx, ciBot); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if native.ops != opsAfterSet {
		t.Fatalf("demoted backend was recontacted: %d ops after set, %d now", opsAfterSet, native.ops)
	}

	m.Refresh(ctx)
	if _, err := m.Get(ctx, ciBot); err != nil {
		t.Fatalf("get after refresh: %v", err)
	}
	if native.ops == opsAfterSet {
		t.Fatal("refresh should restore the demoted backend")
	}
}

func TestRevokeThenGetReturnsRevokedNotNotFound(t *testing.T) {
	m, _ := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	if err := m.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Revoke(ctx, ciBot); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := m.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if errors.Is(err, backend.ErrNotFound) {
		t.Fatal("revoked must not be reported as not found")
	}
}

func TestRevokedStateSurvivesReopenOnPersistentBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.kf")
	seed := filepath.Join(dir, "seed")
	ctx := context.Background()

	m1, _ := newTestManager(t, []backend.Adapter{encfile.New(path, seed), memstore.New()})
	if err := m1.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m1.Revoke(ctx, ciBot); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Fresh manager over the same files, as after a process restart.
	m2, _ := newTestManager(t, []backend.Adapter{encfile.New(path, seed), memstore.New()})
	_, err := m2.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after restart, got %v", err)
	}
}

func TestSetOverRevokedReissuesCredential(t *testing.T) {
	m, _ := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	m.Set(ctx, ciBot, []byte("tok_old"), model.ClassConfidential)
	m.Revoke(ctx, ciBot)
	if err := m.Set(ctx, ciBot, []byte("tok_new"), model.ClassConfidential); err != nil {
		t.Fatalf("reissue set: %v", err)
	}

	rec, err := m.Get(ctx, ciBot)
	if err != nil {
		t.Fatalf("get after reissue: %v", err)
	}
	if string(rec.Value) != "tok_new" {
		t.Fatalf("expected reissued value, got %q", rec.Value)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	m.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential)

	if err := m.Delete(ctx, ciBot); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	err := m.Delete(ctx, ciBot)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("second delete should be NotFound, got %v", err)
	}
}

func TestGetUnknownIdentityReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t, []backend.Adapter{newEncFile(t), memstore.New()})

	_, err := m.Get(context.Background(), model.Identity{Service: "nope", Account: "nobody"})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCascadeScenario(t *testing.T) {
	native := &flakyNative{}
	m, sink := newTestManager(t, []backend.Adapter{native, newEncFile(t), memstore.New()})
	ctx := context.Background()

	// Set cascades past the failing native store and lands on the
	// encrypted file backend, producing one event per backend contacted.
	if err := m.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential); err != nil {
		t.Fatalf("set: %v", err)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 set events, got %d: %+v", len(events), events)
	}
	if events[0].Backend != string(backend.NativeStore) || events[0].Success {
		t.Fatalf("first event should be native failure, got %+v", events[0])
	}
	if events[1].Backend != string(backend.EncryptedFile) || !events[1].Success {
		t.Fatalf("second event should be encrypted_file success, got %+v", events[1])
	}

	// Get returns the value from the encrypted file without touching the
	// demoted native store.
	sink.reset()
	nativeOps := native.ops
	rec, err := m.Get(ctx, ciBot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Value) != "tok_123" {
		t.Fatalf("expected tok_123, got %q", rec.Value)
	}
	if native.ops != nativeOps {
		t.Fatal("get must not recontact the demoted native store")
	}
	got := sink.all()
	if len(got) != 1 || got[0].Backend != string(backend.EncryptedFile) {
		t.Fatalf("expected single encrypted_file get event, got %+v", got)
	}

	// Revoke with no rotation source, then get returns Revoked.
	if err := m.Revoke(ctx, ciBot); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err = m.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after revoke, got %v", err)
	}
}

func TestAuditEventsCarryOnlyIdentityHash(t *testing.T) {
	m, sink := newTestManager(t, []backend.Adapter{memstore.New()})
	ctx := context.Background()

	m.Set(ctx, ciBot, []byte("tok_secret"), model.ClassConfidential)
	m.Get(ctx, ciBot)
	m.Delete(ctx, ciBot)

	for _, e := range sink.all() {
		if e.IdentityHash != ciBot.Hash() {
			t.Fatalf("expected identity hash, got %q", e.IdentityHash)
		}
		for _, field := range []string{e.Error, e.Actor, e.Backend} {
			if field == "tok_secret" || field == "github" || field == "ci-bot" {
				t.Fatalf("event leaks raw identity or value: %+v", e)
			}
		}
	}
}

func TestPermissionDeniedNeverCascades(t *testing.T) {
	denied := &terminalAdapter{kind: backend.NativeStore, err: backend.ErrPermissionDenied}
	mem := memstore.New()
	m, _ := newTestManager(t, []backend.Adapter{denied, mem})
	ctx := context.Background()

	mem.Store(ctx, model.SecretRecord{Service: "github", Account: "ci-bot", Value: []byte("tok")})

	_, err := m.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied surfaced, got %v", err)
	}
}

// terminalAdapter fails every operation with a fixed taxonomy error.
type terminalAdapter struct {
	kind backend.Kind
	err  error
}

func (a *terminalAdapter) Kind() backend.Kind { return a.kind }

func (a *terminalAdapter) Store(ctx context.Context, rec model.SecretRecord) error {
	return fmt.Errorf("%s: %w", a.kind, a.err)
}

func (a *terminalAdapter) Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	return nil, fmt.Errorf("%s: %w", a.kind, a.err)
}

func (a *terminalAdapter) Remove(ctx context.Context, id model.Identity) error {
	return fmt.Errorf("%s: %w", a.kind, a.err)
}

func (a *terminalAdapter) Enumerate(ctx context.Context) ([]model.Identity, error) {
	return nil, fmt.Errorf("%s: %w", a.kind, a.err)
}
