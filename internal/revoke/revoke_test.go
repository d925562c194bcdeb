package revoke

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/backend/memstore"
	"github.com/keyfort/keyfort/internal/detect"
	"github.com/keyfort/keyfort/internal/manager"
	"github.com/keyfort/keyfort/internal/model"
)

type fakeSource struct {
	value []byte
	err   error
	calls int
}

func (f *fakeSource) Rotate(ctx context.Context, id model.Identity) ([]byte, error) {
	f.calls++
	return f.value, f.err
}

func newTestController(t *testing.T, source RotationSource) (*Controller, *manager.Manager) {
	t.Helper()
	ranking, err := detect.Detect(context.Background(), []backend.Adapter{memstore.New()}, 0)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	mgr := manager.New(ranking, nil, manager.Options{Actor: "test-user"})
	return New(mgr, source), mgr
}

var ciBot = model.Identity{Service: "github", Account: "ci-bot"}

func TestRevokeWithoutSourceLeavesRevokedState(t *testing.T) {
	c, mgr := newTestController(t, nil)
	ctx := context.Background()

	mgr.Set(ctx, ciBot, []byte("tok_123"), model.ClassConfidential)

	out := c.RevokeIdentity(ctx, ciBot)
	if !out.Revoked || out.Rotated || out.Err != "" {
		t.Fatalf("expected revoked-no-replacement outcome, got %+v", out)
	}

	_, err := mgr.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestRevokeWithSourceReissuesValue(t *testing.T) {
	source := &fakeSource{value: []byte("tok_new")}
	c, mgr := newTestController(t, source)
	ctx := context.Background()

	mgr.Set(ctx, ciBot, []byte("tok_old"), model.ClassRestricted)

	out := c.RevokeIdentity(ctx, ciBot)
	if !out.Revoked || !out.Rotated {
		t.Fatalf("expected revoked and rotated, got %+v", out)
	}

	rec, err := mgr.Get(ctx, ciBot)
	if err != nil {
		t.Fatalf("get after rotation: %v", err)
	}
	if string(rec.Value) != "tok_new" {
		t.Fatalf("expected rotated value, got %q", rec.Value)
	}
	if rec.Classification != model.ClassRestricted {
		t.Fatalf("rotation must preserve classification, got %s", rec.Classification)
	}
}

func TestRotationFailureLeavesRevokedNoReplacement(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("upstream unreachable")}
	c, mgr := newTestController(t, source)
	ctx := context.Background()

	mgr.Set(ctx, ciBot, []byte("tok_old"), model.ClassConfidential)

	out := c.RevokeIdentity(ctx, ciBot)
	if !out.Revoked || out.Rotated || out.Err == "" {
		t.Fatalf("expected revoked with rotation error, got %+v", out)
	}

	_, err := mgr.Get(ctx, ciBot)
	if !errors.Is(err, backend.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after failed rotation, got %v", err)
	}
	if errors.Is(err, backend.ErrNotFound) {
		t.Fatal("revoked-no-replacement must not read as not found")
	}
}

func TestRevokeUnknownIdentityReportsError(t *testing.T) {
	c, _ := newTestController(t, nil)

	out := c.RevokeIdentity(context.Background(), model.Identity{Service: "nope", Account: "nobody"})
	if out.Revoked || out.Err == "" {
		t.Fatalf("expected failure outcome, got %+v", out)
	}
}

func TestRevokeAllSweepsEveryIdentity(t *testing.T) {
	c, mgr := newTestController(t, nil)
	ctx := context.Background()

	ids := []model.Identity{
		{Service: "github", Account: "ci-bot"},
		{Service: "aws", Account: "deploy"},
		{Service: "npm", Account: "publisher"},
	}
	for _, id := range ids {
		mgr.Set(ctx, id, []byte("tok_"+id.Service), model.ClassConfidential)
	}

	outcomes, err := c.RevokeAll(ctx)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if !out.Revoked {
			t.Fatalf("expected every identity revoked, got %+v", out)
		}
	}

	for _, id := range ids {
		if _, err := mgr.Get(ctx, id); !errors.Is(err, backend.ErrRevoked) {
			t.Fatalf("expected ErrRevoked for %s, got %v", id.Hash(), err)
		}
	}
}

func TestOutcomeCarriesOnlyIdentityHash(t *testing.T) {
	c, mgr := newTestController(t, nil)
	ctx := context.Background()
	mgr.Set(ctx, ciBot, []byte("tok"), model.ClassConfidential)

	out := c.RevokeIdentity(ctx, ciBot)
	if out.IdentityHash != ciBot.Hash() {
		t.Fatalf("expected identity hash, got %q", out.IdentityHash)
	}
}
