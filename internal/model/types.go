package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Classification drives retention and audit verbosity for a secret.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// ClassRank maps classification to a comparable integer for verbosity decisions.
var ClassRank = map[Classification]int{
	ClassPublic:       0,
	ClassInternal:     1,
	ClassConfidential: 2,
	ClassRestricted:   3,
}

// ParseClassification validates a classification string, defaulting to confidential.
func ParseClassification(s string) (Classification, error) {
	if s == "" {
		return ClassConfidential, nil
	}
	c := Classification(s)
	if _, ok := ClassRank[c]; !ok {
		return "", fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Operation is the credential operation recorded in audit events.
type Operation string

const (
	OpGet             Operation = "get"
	OpSet             Operation = "set"
	OpDelete          Operation = "delete"
	OpList            Operation = "list"
	OpEmergencyRevoke Operation = "emergency_revoke"
)

// validName matches alphanumeric, dash, underscore, and dot characters only.
// Applied to both service and account to keep identities safe for file paths
// and platform store keys.
var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Identity is the (service, account) pair uniquely naming one secret.
type Identity struct {
	Service string `json:"service"`
	Account string `json:"account"`
}

// Validate rejects identities with empty or unsafe components.
func (id Identity) Validate() error {
	if id.Service == "" {
		return fmt.Errorf("service must not be empty")
	}
	if id.Account == "" {
		return fmt.Errorf("account must not be empty")
	}
	if !validName.MatchString(id.Service) {
		return fmt.Errorf("service contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	if !validName.MatchString(id.Account) {
		return fmt.Errorf("account contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Key returns the composite storage key for this identity.
func (id Identity) Key() string {
	return id.Service + ":" + id.Account
}

// Hash returns "sha256:<hex>" over the identity key. This is the only form
// of the identity that may appear in audit output or error messages.
func (id Identity) Hash() string {
	h := sha256.Sum256([]byte("keyfort.identity.v1\x00" + id.Service + "\x00" + id.Account))
	return "sha256:" + hex.EncodeToString(h[:])
}

// SecretRecord is one named secret and its metadata. Value is opaque and is
// never serialized outside a sealed backend blob.
type SecretRecord struct {
	Service        string         `json:"service"`
	Account        string         `json:"account"`
	Value          []byte         `json:"value"`
	CreatedAt      time.Time      `json:"created_at"`
	LastRotatedAt  *time.Time     `json:"last_rotated_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Classification Classification `json:"classification"`
	Revoked        bool           `json:"revoked,omitempty"`
}

// Identity returns the record's (service, account) pair.
func (r *SecretRecord) Identity() Identity {
	return Identity{Service: r.Service, Account: r.Account}
}

// Expired reports whether the record has a populated expiry in the past.
// Expired records are not auto-deleted; callers must rotate or delete.
func (r *SecretRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Wipe overwrites the secret value in place. Used on revocation so the
// plaintext does not linger in the record.
func (r *SecretRecord) Wipe() {
	for i := range r.Value {
		r.Value[i] = 0
	}
	r.Value = nil
}
