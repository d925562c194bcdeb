// Package native adapts the host platform's secret-management facility to
// the backend capability contract. The platform store itself is an external
// collaborator injected as a PlatformStore; this package owns timeout
// enforcement and classification of platform failures into the shared
// error taxonomy, which the fallback logic branches on.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/model"
)

// PlatformStore is the black-box capability the host exposes: opaque bytes
// keyed by a (service, account) pair. The concrete transport (keychain call,
// registry-backed API, OS secret service) is out of scope.
type PlatformStore interface {
	// Handshake is a lightweight reachability check used by detection.
	Handshake(ctx context.Context) error

	Store(ctx context.Context, service, account string, value []byte) error
	Retrieve(ctx context.Context, service, account string) ([]byte, error)
	Remove(ctx context.Context, service, account string) error
	Enumerate(ctx context.Context) ([][2]string, error)
}

const defaultOpTimeout = 3 * time.Second

// Adapter wraps a PlatformStore. Records are stored as a JSON envelope in
// the platform's opaque value so metadata survives the round trip.
type Adapter struct {
	platform PlatformStore
	timeout  time.Duration
}

// New creates a native adapter. A nil platform yields an adapter whose
// probe always fails, so detection degrades gracefully on hosts without a
// reachable secret store.
func New(platform PlatformStore, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Adapter{platform: platform, timeout: timeout}
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() backend.Kind { return backend.NativeStore }

// Probe implements backend.Prober via the platform handshake.
func (a *Adapter) Probe(ctx context.Context) error {
	if a.platform == nil {
		return fmt.Errorf("native: no platform store configured: %w", backend.ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.platform.Handshake(ctx); err != nil {
		return classify("handshake", err)
	}
	return nil
}

// Store implements backend.Adapter.
func (a *Adapter) Store(ctx context.Context, rec model.SecretRecord) error {
	if a.platform == nil {
		return fmt.Errorf("native: %w", backend.ErrUnavailable)
	}
	envelope, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("native: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.platform.Store(ctx, rec.Service, rec.Account, envelope); err != nil {
		return classify("store", err)
	}
	return nil
}

// Retrieve implements backend.Adapter. An envelope that exists but does not
// decode is Corrupted, distinct from NotFound.
func (a *Adapter) Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	if a.platform == nil {
		return nil, fmt.Errorf("native: %w", backend.ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	envelope, err := a.platform.Retrieve(ctx, id.Service, id.Account)
	if err != nil {
		return nil, classify("retrieve", err)
	}
	var rec model.SecretRecord
	if err := json.Unmarshal(envelope, &rec); err != nil {
		return nil, fmt.Errorf("native: %s: undecodable envelope: %w", id.Hash(), backend.ErrCorrupted)
	}
	return &rec, nil
}

// Remove implements backend.Adapter.
func (a *Adapter) Remove(ctx context.Context, id model.Identity) error {
	if a.platform == nil {
		return fmt.Errorf("native: %w", backend.ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.platform.Remove(ctx, id.Service, id.Account); err != nil {
		return classify("remove", err)
	}
	return nil
}

// Enumerate implements backend.Adapter.
func (a *Adapter) Enumerate(ctx context.Context) ([]model.Identity, error) {
	if a.platform == nil {
		return nil, fmt.Errorf("native: %w", backend.ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	pairs, err := a.platform.Enumerate(ctx)
	if err != nil {
		return nil, classify("enumerate", err)
	}
	ids := make([]model.Identity, len(pairs))
	for i, p := range pairs {
		ids[i] = model.Identity{Service: p[0], Account: p[1]}
	}
	return ids, nil
}

// classify maps a platform failure onto the shared taxonomy. Timeouts are
// Unavailable (bounded fallback, never an indefinite hang); errors already
// carrying a taxonomy sentinel pass through; anything else stays
// unclassified, which the abstraction layer treats as Unknown.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, backend.ErrPermissionDenied),
		errors.Is(err, backend.ErrNotFound),
		errors.Is(err, backend.ErrCorrupted):
		return fmt.Errorf("native: %s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("native: %s timed out: %w", op, backend.ErrUnavailable)
	case os.IsPermission(err):
		return fmt.Errorf("native: %s: %w", op, backend.ErrPermissionDenied)
	default:
		return fmt.Errorf("native: %s: %v: %w", op, err, backend.ErrUnavailable)
	}
}
