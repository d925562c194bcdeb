// Package backend defines the capability contract that every storage
// backend adapter implements, plus the shared error taxonomy the
// abstraction layer's fallback logic branches on.
package backend

import (
	"context"
	"time"

	"github.com/keyfort/keyfort/internal/model"
)

// Kind identifies one of the closed set of backend variants.
type Kind string

const (
	NativeStore     Kind = "native_store"
	EncryptedFile   Kind = "encrypted_file"
	EphemeralMemory Kind = "ephemeral_memory"
)

// Descriptor describes one candidate backend after probing.
// Lower Priority is preferred. Exactly one EphemeralMemory descriptor
// always reports Available=true; it is the backend of last resort.
type Descriptor struct {
	Kind      Kind          `json:"kind"`
	Priority  int           `json:"priority"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
}

// Adapter is the capability contract for one storage medium.
// Implementations classify their failures into the package error taxonomy;
// the abstraction layer never inspects medium-specific errors.
type Adapter interface {
	Kind() Kind

	// Store creates or replaces the record under its identity.
	Store(ctx context.Context, rec model.SecretRecord) error

	// Retrieve returns the record for the identity, or an error wrapping
	// ErrNotFound. A returned record's Value is owned by the caller.
	Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error)

	// Remove deletes the record. Returns an error wrapping ErrNotFound if
	// no record exists, so delete stays idempotent at the API layer.
	Remove(ctx context.Context, id model.Identity) error

	// Enumerate lists every stored identity.
	Enumerate(ctx context.Context) ([]model.Identity, error)
}

// Prober is implemented by adapters whose medium can be down. Detection
// calls Probe with a short deadline; a nil return marks the backend
// available. Adapters that do not implement Prober are always available.
type Prober interface {
	Probe(ctx context.Context) error
}
