// Package detect probes candidate storage backends at startup and owns the
// per-manager ranking the abstraction layer consults. The ranking is cached
// for the process lifetime and re-probed only on explicit refresh; a backend
// that fails as unavailable mid-flight demotes itself until then.
package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keyfort/keyfort/internal/backend"
)

const defaultProbeTimeout = 2 * time.Second

// priorities fixes the preference order of the closed backend set.
var priorities = map[backend.Kind]int{
	backend.NativeStore:     0,
	backend.EncryptedFile:   1,
	backend.EphemeralMemory: 2,
}

// Ranking is the explicitly owned, per-manager backend ordering. Not a
// process-wide singleton: multiple managers (e.g. in tests) get their own.
type Ranking struct {
	mu           sync.RWMutex
	adapters     map[backend.Kind]backend.Adapter
	descriptors  []backend.Descriptor
	probeTimeout time.Duration
}

// Detect probes each adapter once and returns the ranked result.
// Probing is read-only; no secret material is touched. The adapter set must
// include an EphemeralMemory adapter, which is forced available.
func Detect(ctx context.Context, adapters []backend.Adapter, probeTimeout time.Duration) (*Ranking, error) {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	r := &Ranking{
		adapters:     make(map[backend.Kind]backend.Adapter, len(adapters)),
		probeTimeout: probeTimeout,
	}
	hasMemory := false
	for _, a := range adapters {
		if _, dup := r.adapters[a.Kind()]; dup {
			return nil, fmt.Errorf("detect: duplicate adapter for kind %s", a.Kind())
		}
		r.adapters[a.Kind()] = a
		if a.Kind() == backend.EphemeralMemory {
			hasMemory = true
		}
	}
	if !hasMemory {
		return nil, fmt.Errorf("detect: ephemeral memory backend of last resort is required")
	}

	r.descriptors = r.probeAll(ctx)
	return r, nil
}

// probeAll runs every probe with a bounded deadline and sorts the result
// ascending by priority, ties broken by availability then probe latency.
func (r *Ranking) probeAll(ctx context.Context) []backend.Descriptor {
	descs := make([]backend.Descriptor, 0, len(r.adapters))
	for kind, a := range r.adapters {
		d := backend.Descriptor{Kind: kind, Priority: priorities[kind]}
		if kind == backend.EphemeralMemory {
			// Last resort: must never itself fail.
			d.Available = true
			descs = append(descs, d)
			continue
		}
		p, ok := a.(backend.Prober)
		if !ok {
			d.Available = true
			descs = append(descs, d)
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		start := time.Now()
		err := p.Probe(probeCtx)
		cancel()
		d.Latency = time.Since(start)
		d.Available = err == nil
		descs = append(descs, d)
	}

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority < descs[j].Priority
		}
		if descs[i].Available != descs[j].Available {
			return descs[i].Available
		}
		return descs[i].Latency < descs[j].Latency
	})
	return descs
}

// Active returns the available adapters in ranked order.
func (r *Ranking) Active() []backend.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.Adapter, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.Available {
			out = append(out, r.adapters[d.Kind])
		}
	}
	return out
}

// Descriptors returns a copy of the current ranking for inspection.
func (r *Ranking) Descriptors() []backend.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Demote marks a backend unavailable for the remainder of the process
// lifetime (until an explicit Refresh). Called by the abstraction layer
// when an operation fails as Unavailable, so a backend that has shown
// itself down is not slow-probed on every call. The memory backend is
// never demoted.
func (r *Ranking) Demote(kind backend.Kind) {
	if kind == backend.EphemeralMemory {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.descriptors {
		if r.descriptors[i].Kind == kind {
			r.descriptors[i].Available = false
		}
	}
}

// Refresh re-probes all adapters, restoring demoted backends that have
// recovered. The only path by which a demoted backend comes back.
func (r *Ranking) Refresh(ctx context.Context) {
	descs := r.probeAll(ctx)
	r.mu.Lock()
	r.descriptors = descs
	r.mu.Unlock()
}
