// Package consent implements the gateway's approval gate. A peer request
// for a secret value creates a pending consent file; an operator grants or
// denies it out of band (CLI), and the gateway consumes a grant exactly
// once. Consent is never cached across requests.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of a consent request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusGranted  Status = "granted"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Consent represents one peer request for a secret value and its state.
// Only the identity hash is recorded, never the raw (service, account).
type Consent struct {
	Key          string     `json:"key"`
	IdentityHash string     `json:"identity_hash"`
	PeerUID      int        `json:"peer_uid"`
	PeerPID      int        `json:"peer_pid,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// RequestKey derives a stable consent key from an identity hash and the
// requesting peer. The "sha256:" prefix is stripped to keep the key
// filename-safe.
func RequestKey(identityHash string, peerUID int) string {
	hex := strings.TrimPrefix(identityHash, "sha256:")
	if len(hex) > 16 {
		hex = hex[:16]
	}
	return fmt.Sprintf("%s-uid%d", hex, peerUID)
}

// Store manages consent files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create consent directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default consent store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "keyfort-consent")
	}
	return filepath.Join(home, ".keyfort", "consent")
}

// Request creates a pending consent file. No-op if one already exists for
// the key, so a retrying peer does not reset an operator's decision.
func (s *Store) Request(key, identityHash string, peerUID, peerPID int) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid consent key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return nil // already exists
	}

	c := Consent{
		Key:          key,
		IdentityHash: identityHash,
		PeerUID:      peerUID,
		PeerPID:      peerPID,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	return s.writeAtomic(path, c)
}

// Grant marks a consent as granted. If duration > 0, the grant expires
// after that long; either way it is consumed on first use.
func (s *Store) Grant(key string, duration time.Duration) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid consent key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("consent %q not found: %w", key, err)
	}

	c.Status = StatusGranted
	now := time.Now().UTC()
	c.ResolvedAt = &now
	if duration > 0 {
		exp := now.Add(duration)
		c.ExpiresAt = &exp
	}

	return s.writeAtomic(s.path(key), *c)
}

// Deny marks a consent as denied.
func (s *Store) Deny(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid consent key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("consent %q not found: %w", key, err)
	}

	c.Status = StatusDenied
	now := time.Now().UTC()
	c.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *c)
}

// Check returns the current status of a consent.
// Returns StatusExpired if a grant has passed its deadline.
func (s *Store) Check(key string) (Status, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid consent key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return "", fmt.Errorf("consent %q not found", key)
	}

	if c.Status == StatusGranted && c.ExpiresAt != nil && time.Now().UTC().After(*c.ExpiresAt) {
		c.Status = StatusExpired
		s.writeAtomic(s.path(key), *c)
		return StatusExpired, nil
	}

	return c.Status, nil
}

// Consume marks a granted consent as used. A consumed consent never
// authorizes a second release.
func (s *Store) Consume(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid consent key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(key)
	if err != nil {
		return fmt.Errorf("consent %q not found: %w", key, err)
	}

	if c.Status == StatusConsumed {
		return fmt.Errorf("consent %q already consumed", key)
	}

	c.Status = StatusConsumed
	now := time.Now().UTC()
	c.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *c)
}

// Await polls until the consent resolves or the context expires. A
// pending consent that outlives the context reads as denied: the gate
// fails closed.
func (s *Store) Await(ctx context.Context, key string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := s.Check(key)
		if err != nil {
			return "", err
		}
		if status != StatusPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return StatusDenied, nil
		case <-ticker.C:
		}
	}
}

// List returns all consents in the store.
func (s *Store) List() ([]Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var consents []Consent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		c, err := s.read(key)
		if err != nil {
			continue
		}
		consents = append(consents, *c)
	}

	return consents, nil
}

// Cleanup removes all consent files in the store.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Consent, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}

	var c Consent
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *Store) writeAtomic(path string, c Consent) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
