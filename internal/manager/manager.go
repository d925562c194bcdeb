// Package manager is the unified credential API. It owns the ranked
// backend cascade: operations go to the top-ranked available backend and
// fall through to the next on transient failure, with one audit event per
// backend actually contacted.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keyfort/keyfort/internal/audit"
	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/detect"
	"github.com/keyfort/keyfort/internal/model"
)

// Auditor receives one event per backend contacted. Satisfied by
// *audit.Recorder; tests substitute a capture sink.
type Auditor interface {
	Record(e audit.Event)
}

// Options carries the identity stamped onto audit events.
type Options struct {
	Actor      string
	ConfigHash string
}

// Manager coordinates the backend cascade. Per-identity locks serialize
// writers so a set racing a revoke cannot interleave read-modify-write.
type Manager struct {
	ranking *detect.Ranking
	auditor Auditor
	opts    Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a manager over an already-probed ranking.
func New(ranking *detect.Ranking, auditor Auditor, opts Options) *Manager {
	return &Manager{
		ranking: ranking,
		auditor: auditor,
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(id model.Identity) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id.Key()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id.Key()] = l
	}
	return l
}

func (m *Manager) emit(op model.Operation, identityHash string, kind backend.Kind, rotation bool, opErr error) {
	if m.auditor == nil {
		return
	}
	e := audit.NewEvent(op, identityHash, m.opts.Actor)
	e.Backend = string(kind)
	e.Rotation = rotation
	e.ConfigHash = m.opts.ConfigHash
	e.Success = opErr == nil
	if opErr != nil {
		e.Error = opErr.Error()
	}
	m.auditor.Record(e)
}

// Get retrieves the record for the identity, cascading across ranked
// backends. For get specifically, NotFound on one backend falls through to
// the next: a prior set may have landed on a lower-ranked backend. A
// revoked tombstone is terminal and surfaces as ErrRevoked, never as
// NotFound.
func (m *Manager) Get(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	var attempted []backend.Kind
	var last error
	allNotFound := true

	for _, a := range m.ranking.Active() {
		rec, err := a.Retrieve(ctx, id)
		attempted = append(attempted, a.Kind())

		if err == nil {
			if rec.Revoked {
				m.emit(model.OpGet, id.Hash(), a.Kind(), false, backend.ErrRevoked)
				return nil, fmt.Errorf("%s: %w", a.Kind(), backend.ErrRevoked)
			}
			m.emit(model.OpGet, id.Hash(), a.Kind(), false, nil)
			return rec, nil
		}

		m.emit(model.OpGet, id.Hash(), a.Kind(), false, err)

		if errors.Is(err, backend.ErrUnavailable) {
			m.ranking.Demote(a.Kind())
		}
		if errors.Is(err, backend.ErrNotFound) {
			last = err
			continue
		}
		if backend.Fallback(err) {
			allNotFound = false
			last = err
			continue
		}
		return nil, fmt.Errorf("%s: %w", a.Kind(), err)
	}

	if allNotFound && last != nil {
		return nil, fmt.Errorf("%w", backend.ErrNotFound)
	}
	return nil, &backend.AllBackendsFailedError{Attempted: attempted, Last: last}
}

// Set stores the value under the identity on the top-ranked backend that
// accepts it. A set against an existing identity is a rotation: created_at
// is preserved, last_rotated_at is updated, and the audit event carries
// rotation=true. Storing over a revoked tombstone reissues the credential.
func (m *Manager) Set(ctx context.Context, id model.Identity, value []byte, class model.Classification) error {
	if err := id.Validate(); err != nil {
		return err
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	var attempted []backend.Kind
	var last error

	for _, a := range m.ranking.Active() {
		existing, gerr := a.Retrieve(ctx, id)
		if gerr != nil {
			switch {
			case errors.Is(gerr, backend.ErrNotFound):
				existing = nil
			case errors.Is(gerr, backend.ErrCorrupted):
				// Overwriting a corrupted record is the recovery path.
				existing = nil
			default:
				// Could not even read the backend; count it as one failed
				// set attempt and cascade or stop per taxonomy.
				m.emit(model.OpSet, id.Hash(), a.Kind(), false, gerr)
				attempted = append(attempted, a.Kind())
				if errors.Is(gerr, backend.ErrUnavailable) {
					m.ranking.Demote(a.Kind())
				}
				if backend.Fallback(gerr) {
					last = gerr
					continue
				}
				return fmt.Errorf("%s: %w", a.Kind(), gerr)
			}
		}

		rotation := existing != nil
		if class == "" {
			// Inherit on rotation so reissuing a credential does not
			// silently downgrade its classification.
			class = model.ClassConfidential
			if existing != nil && existing.Classification != "" {
				class = existing.Classification
			}
		}
		rec := model.SecretRecord{
			Service:        id.Service,
			Account:        id.Account,
			Value:          append([]byte(nil), value...),
			Classification: class,
			CreatedAt:      now,
		}
		if rotation {
			rec.CreatedAt = existing.CreatedAt
			rec.LastRotatedAt = &now
			rec.ExpiresAt = existing.ExpiresAt
		}

		err := a.Store(ctx, rec)
		attempted = append(attempted, a.Kind())
		m.emit(model.OpSet, id.Hash(), a.Kind(), rotation, err)

		if err == nil {
			return nil
		}
		if errors.Is(err, backend.ErrUnavailable) {
			m.ranking.Demote(a.Kind())
		}
		if backend.Fallback(err) {
			last = err
			continue
		}
		return fmt.Errorf("%s: %w", a.Kind(), err)
	}

	return &backend.AllBackendsFailedError{Attempted: attempted, Last: last}
}

// Delete removes the identity from every available backend. Each backend
// is an independent write with its own audit event; there is no shared
// transaction boundary between storage media. Succeeds if at least one
// backend held the record.
func (m *Manager) Delete(ctx context.Context, id model.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	removed := false
	var terminal error

	for _, a := range m.ranking.Active() {
		err := a.Remove(ctx, id)
		m.emit(model.OpDelete, id.Hash(), a.Kind(), false, err)

		switch {
		case err == nil:
			removed = true
		case errors.Is(err, backend.ErrNotFound):
			// Idempotent per backend.
		case errors.Is(err, backend.ErrUnavailable):
			m.ranking.Demote(a.Kind())
		default:
			if terminal == nil {
				terminal = fmt.Errorf("%s: %w", a.Kind(), err)
			}
		}
	}

	if terminal != nil {
		return terminal
	}
	if !removed {
		return fmt.Errorf("%w", backend.ErrNotFound)
	}
	return nil
}

// List returns the union of identities across available backends, sorted
// and deduplicated. Revoked tombstones are included: callers need to see
// what exists in a revoked state.
func (m *Manager) List(ctx context.Context) ([]model.Identity, error) {
	seen := make(map[string]model.Identity)

	for _, a := range m.ranking.Active() {
		ids, err := a.Enumerate(ctx)
		m.emit(model.OpList, "", a.Kind(), false, err)
		if err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				m.ranking.Demote(a.Kind())
				continue
			}
			return nil, fmt.Errorf("%s: %w", a.Kind(), err)
		}
		for _, id := range ids {
			seen[id.Key()] = id
		}
	}

	out := make([]model.Identity, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Revoke destroys the stored value for the identity and leaves a revoked
// tombstone in its place, on every backend that holds the record. The
// tombstone is what makes a later get return ErrRevoked instead of
// NotFound, across process restarts on persistent backends. Already
// revoked is a no-op success.
func (m *Manager) Revoke(ctx context.Context, id model.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	found := false
	var terminal error

	for _, a := range m.ranking.Active() {
		rec, err := a.Retrieve(ctx, id)
		if err != nil {
			m.emit(model.OpEmergencyRevoke, id.Hash(), a.Kind(), false, err)
			switch {
			case errors.Is(err, backend.ErrNotFound):
			case errors.Is(err, backend.ErrUnavailable):
				m.ranking.Demote(a.Kind())
			default:
				if terminal == nil {
					terminal = fmt.Errorf("%s: %w", a.Kind(), err)
				}
			}
			continue
		}

		found = true
		if rec.Revoked {
			m.emit(model.OpEmergencyRevoke, id.Hash(), a.Kind(), false, nil)
			continue
		}

		rec.Wipe()
		rec.Revoked = true
		serr := a.Store(ctx, *rec)
		m.emit(model.OpEmergencyRevoke, id.Hash(), a.Kind(), false, serr)
		if serr != nil && terminal == nil {
			terminal = fmt.Errorf("%s: %w", a.Kind(), serr)
		}
	}

	if terminal != nil {
		return terminal
	}
	if !found {
		return fmt.Errorf("%w", backend.ErrNotFound)
	}
	return nil
}

// Backends returns the current ranking for inspection.
func (m *Manager) Backends() []backend.Descriptor {
	return m.ranking.Descriptors()
}

// Refresh re-probes all backends, restoring any that were demoted after
// transient failures.
func (m *Manager) Refresh(ctx context.Context) {
	m.ranking.Refresh(ctx)
}
