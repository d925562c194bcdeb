package mcp

import (
	"context"
	"errors"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/consent"
	"github.com/keyfort/keyfort/internal/model"
	"github.com/keyfort/keyfort/internal/revoke"
)

// --- Input/Output types ---

// GetInput defines parameters for the keyfort_get tool.
type GetInput struct {
	Service string `json:"service" jsonschema:"service the credential belongs to"`
	Account string `json:"account" jsonschema:"account within the service"`
}

// GetOutput carries the released value or denial details.
type GetOutput struct {
	Value  string `json:"value,omitempty"`
	Denied bool   `json:"denied,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CheckInput defines parameters for the keyfort_check tool.
type CheckInput struct {
	Service string `json:"service" jsonschema:"service the credential belongs to"`
	Account string `json:"account" jsonschema:"account within the service"`
}

// CheckOutput reports a credential's status without its value.
type CheckOutput struct {
	IdentityHash string `json:"identity_hash"`
	Status       string `json:"status"` // "ok", "revoked" or "not_found"
}

// SetInput defines parameters for the keyfort_set tool.
type SetInput struct {
	Service        string `json:"service" jsonschema:"service the credential belongs to"`
	Account        string `json:"account" jsonschema:"account within the service"`
	Value          string `json:"value" jsonschema:"secret value to store"`
	Classification string `json:"classification,omitempty" jsonschema:"public/internal/confidential/restricted, defaults to confidential"`
}

// SetOutput confirms the write.
type SetOutput struct {
	IdentityHash string `json:"identity_hash"`
	Stored       bool   `json:"stored"`
}

// DeleteInput defines parameters for the keyfort_delete tool.
type DeleteInput struct {
	Service string `json:"service" jsonschema:"service the credential belongs to"`
	Account string `json:"account" jsonschema:"account within the service"`
}

// DeleteOutput confirms the removal.
type DeleteOutput struct {
	IdentityHash string `json:"identity_hash"`
	Removed      bool   `json:"removed"`
}

// ListInput is empty, no parameters needed.
type ListInput struct{}

// ListOutput enumerates stored identities.
type ListOutput struct {
	Identities []IdentityItem `json:"identities"`
}

// IdentityItem describes one stored identity.
type IdentityItem struct {
	Service string `json:"service"`
	Account string `json:"account"`
}

// RevokeInput defines parameters for the keyfort_revoke tool.
type RevokeInput struct {
	Service string `json:"service,omitempty" jsonschema:"service of the identity to revoke"`
	Account string `json:"account,omitempty" jsonschema:"account of the identity to revoke"`
	All     bool   `json:"all,omitempty" jsonschema:"revoke every stored credential"`
}

// RevokeOutput lists the per-identity outcomes.
type RevokeOutput struct {
	Outcomes []revoke.Outcome `json:"outcomes"`
}

// BackendsInput is empty, no parameters needed.
type BackendsInput struct{}

// BackendsOutput describes the detected backend ranking.
type BackendsOutput struct {
	Backends []BackendItem `json:"backends"`
}

// BackendItem is one ranked backend.
type BackendItem struct {
	Kind      string `json:"kind"`
	Priority  int    `json:"priority"`
	Available bool   `json:"available"`
	LatencyMS int64  `json:"latency_ms"`
}

// ConsentInput is empty, no parameters needed.
type ConsentInput struct{}

// ConsentOutput lists consent requests.
type ConsentOutput struct {
	Requests []ConsentItem `json:"requests"`
}

// ConsentItem describes one consent request.
type ConsentItem struct {
	Key          string `json:"key"`
	IdentityHash string `json:"identity_hash"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// --- Handlers ---

// handleGet runs the consent gate before releasing a value. The
// retrieval runs whether or not consent is granted; a denied call
// discards the result so denial timing matches a release.
func (s *Server) handleGet(ctx context.Context, req *mcpsdk.CallToolRequest, input GetInput) (*mcpsdk.CallToolResult, GetOutput, error) {
	id := model.Identity{Service: input.Service, Account: input.Account}
	if err := id.Validate(); err != nil {
		return nil, GetOutput{}, err
	}

	granted := s.cfg.AutoApprove
	if !granted {
		key := consent.RequestKey(id.Hash(), s.uid)
		if err := s.consents.Request(key, id.Hash(), s.uid, os.Getpid()); err != nil {
			return nil, GetOutput{}, errors.New("consent gate unavailable")
		}
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConsentTimeout)
		status, err := s.consents.Await(waitCtx, key, s.cfg.ConsentInterval)
		cancel()
		if err == nil && status == consent.StatusGranted {
			if s.consents.Consume(key) == nil {
				granted = true
			}
		}
	}

	rec, err := s.mgr.Get(ctx, id)
	if !granted {
		return &mcpsdk.CallToolResult{IsError: true}, GetOutput{
			Denied: true,
			Reason: "consent not granted",
		}, nil
	}
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrRevoked):
			return &mcpsdk.CallToolResult{IsError: true}, GetOutput{Reason: backend.ErrRevoked.Error()}, nil
		case errors.Is(err, backend.ErrNotFound):
			return &mcpsdk.CallToolResult{IsError: true}, GetOutput{Reason: backend.ErrNotFound.Error()}, nil
		default:
			return nil, GetOutput{}, errors.New("retrieval failed")
		}
	}
	return nil, GetOutput{Value: string(rec.Value)}, nil
}

// handleCheck probes a credential's status without releasing the value,
// so it needs no consent.
func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	id := model.Identity{Service: input.Service, Account: input.Account}
	if err := id.Validate(); err != nil {
		return nil, CheckOutput{}, err
	}

	out := CheckOutput{IdentityHash: id.Hash()}
	_, err := s.mgr.Get(ctx, id)
	switch {
	case err == nil:
		out.Status = "ok"
	case errors.Is(err, backend.ErrRevoked):
		out.Status = "revoked"
	case errors.Is(err, backend.ErrNotFound):
		out.Status = "not_found"
	default:
		return nil, CheckOutput{}, errors.New("retrieval failed")
	}
	return nil, out, nil
}

func (s *Server) handleSet(ctx context.Context, req *mcpsdk.CallToolRequest, input SetInput) (*mcpsdk.CallToolResult, SetOutput, error) {
	id := model.Identity{Service: input.Service, Account: input.Account}
	if err := id.Validate(); err != nil {
		return nil, SetOutput{}, err
	}
	if input.Value == "" {
		return nil, SetOutput{}, errors.New("value must not be empty")
	}
	// Empty stays unspecified so a rotation inherits the stored class.
	if _, err := model.ParseClassification(input.Classification); err != nil {
		return nil, SetOutput{}, err
	}

	class := model.Classification(input.Classification)
	if err := s.mgr.Set(ctx, id, []byte(input.Value), class); err != nil {
		return nil, SetOutput{}, errors.New("store failed")
	}
	return nil, SetOutput{IdentityHash: id.Hash(), Stored: true}, nil
}

func (s *Server) handleDelete(ctx context.Context, req *mcpsdk.CallToolRequest, input DeleteInput) (*mcpsdk.CallToolResult, DeleteOutput, error) {
	id := model.Identity{Service: input.Service, Account: input.Account}
	if err := id.Validate(); err != nil {
		return nil, DeleteOutput{}, err
	}

	err := s.mgr.Delete(ctx, id)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, DeleteOutput{}, errors.New("delete failed")
	}
	// Deleting an absent identity is a no-op, not an error.
	return nil, DeleteOutput{IdentityHash: id.Hash(), Removed: err == nil}, nil
}

func (s *Server) handleList(ctx context.Context, req *mcpsdk.CallToolRequest, input ListInput) (*mcpsdk.CallToolResult, ListOutput, error) {
	ids, err := s.mgr.List(ctx)
	if err != nil {
		return nil, ListOutput{}, errors.New("enumeration failed")
	}

	items := make([]IdentityItem, len(ids))
	for i, id := range ids {
		items[i] = IdentityItem{Service: id.Service, Account: id.Account}
	}
	return nil, ListOutput{Identities: items}, nil
}

func (s *Server) handleRevoke(ctx context.Context, req *mcpsdk.CallToolRequest, input RevokeInput) (*mcpsdk.CallToolResult, RevokeOutput, error) {
	if input.All {
		outcomes, err := s.ctrl.RevokeAll(ctx)
		if err != nil {
			return nil, RevokeOutput{}, errors.New("revocation sweep failed")
		}
		return nil, RevokeOutput{Outcomes: outcomes}, nil
	}

	id := model.Identity{Service: input.Service, Account: input.Account}
	if err := id.Validate(); err != nil {
		return nil, RevokeOutput{}, err
	}

	out := s.ctrl.RevokeIdentity(ctx, id)
	if !out.Revoked {
		return &mcpsdk.CallToolResult{IsError: true}, RevokeOutput{Outcomes: []revoke.Outcome{out}}, nil
	}
	return nil, RevokeOutput{Outcomes: []revoke.Outcome{out}}, nil
}

func (s *Server) handleBackends(ctx context.Context, req *mcpsdk.CallToolRequest, input BackendsInput) (*mcpsdk.CallToolResult, BackendsOutput, error) {
	descs := s.mgr.Backends()
	items := make([]BackendItem, len(descs))
	for i, d := range descs {
		items[i] = BackendItem{
			Kind:      string(d.Kind),
			Priority:  d.Priority,
			Available: d.Available,
			LatencyMS: d.Latency.Milliseconds(),
		}
	}
	return nil, BackendsOutput{Backends: items}, nil
}

func (s *Server) handleConsent(ctx context.Context, req *mcpsdk.CallToolRequest, input ConsentInput) (*mcpsdk.CallToolResult, ConsentOutput, error) {
	list, err := s.consents.List()
	if err != nil {
		return nil, ConsentOutput{}, errors.New("consent store unavailable")
	}

	items := make([]ConsentItem, len(list))
	for i, c := range list {
		items[i] = ConsentItem{
			Key:          c.Key,
			IdentityHash: c.IdentityHash,
			Status:       string(c.Status),
			CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, ConsentOutput{Requests: items}, nil
}
