// Package encfile is the encrypted-file fallback backend. All records are
// sealed into a single XChaCha20-Poly1305 blob keyed by an argon2id
// derivation of a local secret seed. Writes are atomic (tmp + rename).
package encfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/model"
)

// Blob layout: magic || salt (16) || nonce (24) || ciphertext.
var magic = []byte("KFEF1")

const (
	saltLen = 16
	seedLen = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Store persists all records in one sealed file.
type Store struct {
	path     string
	seedPath string
	mu       sync.Mutex
}

// New creates an encrypted-file store writing to path, keyed by the seed
// file at seedPath. Neither file needs to exist yet; the seed is generated
// on first use with 0600 permissions.
func New(path, seedPath string) *Store {
	return &Store{path: path, seedPath: seedPath}
}

// Kind implements backend.Adapter.
func (s *Store) Kind() backend.Kind { return backend.EncryptedFile }

// Probe confirms the target directory is writable. Decryption problems are
// deliberately not probed: a corrupted blob must surface as Corrupted on
// retrieve, not mark the backend unavailable.
func (s *Store) Probe(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("encfile: %w", backend.ErrUnavailable)
	}
	probe := filepath.Join(dir, ".keyfort-probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return fmt.Errorf("encfile: %w", backend.ErrUnavailable)
	}
	os.Remove(probe)
	return nil
}

// Store implements backend.Adapter.
func (s *Store) Store(ctx context.Context, rec model.SecretRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	rec.Value = append([]byte(nil), rec.Value...)
	records[rec.Identity().Key()] = rec
	return s.seal(records)
}

// Retrieve implements backend.Adapter. A decryption failure is reported as
// Corrupted, distinct from NotFound.
func (s *Store) Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[id.Key()]
	if !ok {
		return nil, fmt.Errorf("encfile: %s: %w", id.Hash(), backend.ErrNotFound)
	}
	out := rec
	out.Value = append([]byte(nil), rec.Value...)
	return &out, nil
}

// Remove implements backend.Adapter.
func (s *Store) Remove(ctx context.Context, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	key := id.Key()
	if _, ok := records[key]; !ok {
		return fmt.Errorf("encfile: %s: %w", id.Hash(), backend.ErrNotFound)
	}
	delete(records, key)
	return s.seal(records)
}

// Enumerate implements backend.Adapter.
func (s *Store) Enumerate(ctx context.Context) ([]model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]model.Identity, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Identity())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids, nil
}

// load reads and opens the sealed blob. A missing file is an empty store.
func (s *Store) load() (map[string]model.SecretRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]model.SecretRecord), nil
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("encfile: %w", backend.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("encfile: read: %w", backend.ErrUnavailable)
	}

	if len(data) < len(magic)+saltLen+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("encfile: truncated blob: %w", backend.ErrCorrupted)
	}
	if string(data[:len(magic)]) != string(magic) {
		return nil, fmt.Errorf("encfile: bad magic: %w", backend.ErrCorrupted)
	}

	salt := data[len(magic) : len(magic)+saltLen]
	nonce := data[len(magic)+saltLen : len(magic)+saltLen+chacha20poly1305.NonceSizeX]
	ciphertext := data[len(magic)+saltLen+chacha20poly1305.NonceSizeX:]

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encfile: cipher init: %w", backend.ErrCorrupted)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, fmt.Errorf("encfile: decrypt failed (corrupted file or wrong key): %w", backend.ErrCorrupted)
	}

	var records map[string]model.SecretRecord
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("encfile: decode: %w", backend.ErrCorrupted)
	}
	if records == nil {
		records = make(map[string]model.SecretRecord)
	}
	return records, nil
}

// seal encrypts and atomically writes the full record set.
func (s *Store) seal(records map[string]model.SecretRecord) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encfile: encode: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("encfile: salt: %w", err)
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("encfile: cipher init: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("encfile: nonce: %w", err)
	}

	blob := make([]byte, 0, len(magic)+saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, magic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, magic)

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("encfile: %w", backend.ErrUnavailable)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("encfile: write: %w", backend.ErrUnavailable)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("encfile: rename: %w", backend.ErrUnavailable)
	}
	return nil
}

// deriveKey stretches the local seed with argon2id. The seed is created on
// first use; it is the user-level secret that keys the fallback store.
func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	seed, err := s.loadOrCreateSeed()
	if err != nil {
		return nil, err
	}
	return argon2.IDKey(seed, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize), nil
}

func (s *Store) loadOrCreateSeed() ([]byte, error) {
	seed, err := os.ReadFile(s.seedPath)
	if err == nil {
		if len(seed) < seedLen {
			return nil, fmt.Errorf("encfile: seed file too short: %w", backend.ErrCorrupted)
		}
		return seed, nil
	}
	if !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("encfile: seed: %w", backend.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("encfile: seed: %w", backend.ErrUnavailable)
	}

	seed = make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("encfile: seed generation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.seedPath), 0700); err != nil {
		return nil, fmt.Errorf("encfile: %w", backend.ErrUnavailable)
	}
	if err := os.WriteFile(s.seedPath, seed, 0600); err != nil {
		return nil, fmt.Errorf("encfile: seed write: %w", backend.ErrUnavailable)
	}
	return seed, nil
}
