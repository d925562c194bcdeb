// Package revoke is the emergency revocation and rotation controller.
// Revocation is always explicit: anomaly alerts are advisory input and
// never reach this package on their own.
package revoke

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/keyfort/keyfort/internal/manager"
	"github.com/keyfort/keyfort/internal/model"
)

// RotationSource mints a replacement value for a revoked identity.
type RotationSource interface {
	Rotate(ctx context.Context, id model.Identity) ([]byte, error)
}

// CommandSource shells out to an operator-configured rotation command.
// The identity is passed via environment, the replacement value is read
// from stdout. A non-zero exit or empty output is a rotation failure.
type CommandSource struct {
	Command string
	Timeout time.Duration
}

func (s CommandSource) Rotate(ctx context.Context, id model.Identity) ([]byte, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Env = append(cmd.Environ(),
		"KEYFORT_SERVICE="+id.Service,
		"KEYFORT_ACCOUNT="+id.Account,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("rotation command: %w", err)
	}
	out = bytes.TrimRight(out, "\n")
	if len(out) == 0 {
		return nil, fmt.Errorf("rotation command produced no value")
	}
	return out, nil
}

// Outcome describes what happened to one identity during a revocation.
// Rotated=false with a nil Err means the identity is left in the
// revoked-no-replacement state, which get surfaces as a distinct error.
type Outcome struct {
	IdentityHash string `json:"identity_hash"`
	Revoked      bool   `json:"revoked"`
	Rotated      bool   `json:"rotated"`
	Err          string `json:"error,omitempty"`
}

// Controller coordinates revocation with optional immediate rotation.
type Controller struct {
	mgr    *manager.Manager
	source RotationSource
}

// New builds a controller. source may be nil; revoked identities then
// stay revoked until a replacement is set explicitly.
func New(mgr *manager.Manager, source RotationSource) *Controller {
	return &Controller{mgr: mgr, source: source}
}

// RevokeIdentity destroys the stored value for one identity and, if a
// rotation source is configured, immediately attempts to reissue it.
// Rotation failure is not a revocation failure: the value is already
// destroyed, only the replacement is missing.
func (c *Controller) RevokeIdentity(ctx context.Context, id model.Identity) Outcome {
	out := Outcome{IdentityHash: id.Hash()}

	if err := c.mgr.Revoke(ctx, id); err != nil {
		out.Err = err.Error()
		return out
	}
	out.Revoked = true

	if c.source == nil {
		return out
	}
	value, err := c.source.Rotate(ctx, id)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	if err := c.mgr.Set(ctx, id, value, ""); err != nil {
		out.Err = err.Error()
		return out
	}
	out.Rotated = true
	return out
}

// RevokeAll revokes every stored identity. Each identity is processed
// independently; one failure does not stop the sweep.
func (c *Controller) RevokeAll(ctx context.Context) ([]Outcome, error) {
	ids, err := c.mgr.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("revoke: enumerate identities: %w", err)
	}
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, c.RevokeIdentity(ctx, id))
	}
	return outcomes, nil
}
