// Package config loads the keyfort configuration from YAML, with built-in
// defaults for every field. The raw file bytes are hashed so audit events
// can record which configuration was active when a decision was made.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keyfort/keyfort/internal/alert"
)

// AuditConfig controls the audit log, its sqlite index, and the recorder
// queue.
type AuditConfig struct {
	LogPath   string `yaml:"log_path"`
	IndexPath string `yaml:"index_path"`
	Buffer    int    `yaml:"buffer"`
}

// RemoteConfig is the mTLS network variant of the gateway. Disabled by
// default; when enabled every field is required and the peer certificate
// must match the pinned SPKI fingerprint.
type RemoteConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	PeerPin    string `yaml:"peer_pin"` // sha256:<hex> of the peer SPKI
}

// GatewayConfig controls the local unix-socket gateway.
type GatewayConfig struct {
	SocketPath      string        `yaml:"socket_path"`
	ConsentDir      string        `yaml:"consent_dir"`
	ConsentTimeout  time.Duration `yaml:"consent_timeout"`
	ConsentInterval time.Duration `yaml:"consent_interval"`
	AutoApprove     bool          `yaml:"auto_approve"` // testing escape hatch, never the default
	Remote          RemoteConfig  `yaml:"remote"`
}

// EncryptedFileConfig locates the sealed blob and its key seed.
type EncryptedFileConfig struct {
	Path     string `yaml:"path"`
	SeedPath string `yaml:"seed_path"`
}

// BackendsConfig controls probing and per-backend behavior.
type BackendsConfig struct {
	ProbeTimeout  time.Duration       `yaml:"probe_timeout"`
	NativeTimeout time.Duration       `yaml:"native_timeout"`
	EncryptedFile EncryptedFileConfig `yaml:"encrypted_file"`
}

// WindowRule pairs a count threshold with a sliding window.
type WindowRule struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// ActivityWindow is the normal-activity wall-clock range for the temporal
// rule, in "15:04" form.
type ActivityWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// AnomalyConfig tunes the detection rules.
type AnomalyConfig struct {
	Lookback       time.Duration  `yaml:"lookback"`
	Interval       time.Duration  `yaml:"interval"`
	Frequency      WindowRule     `yaml:"frequency"`
	FailureCluster WindowRule     `yaml:"failure_cluster"`
	Activity       ActivityWindow `yaml:"activity"`
}

// RotationConfig configures the optional emergency rotation source.
type RotationConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config holds all configurable keyfort parameters.
type Config struct {
	DataDir  string              `yaml:"data_dir"`
	Audit    AuditConfig         `yaml:"audit"`
	Gateway  GatewayConfig       `yaml:"gateway"`
	Backends BackendsConfig      `yaml:"backends"`
	Anomaly  AnomalyConfig       `yaml:"anomaly"`
	Rotation RotationConfig      `yaml:"rotation"`
	Alerts   []alert.AlertConfig `yaml:"alerts"`
}

// DefaultDir returns the default keyfort data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "keyfort")
	}
	return filepath.Join(home, ".keyfort")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		DataDir: dir,
		Audit: AuditConfig{
			LogPath:   filepath.Join(dir, "audit.jsonl"),
			IndexPath: filepath.Join(dir, "audit.db"),
			Buffer:    1024,
		},
		Gateway: GatewayConfig{
			SocketPath:      filepath.Join(dir, "gateway.sock"),
			ConsentDir:      filepath.Join(dir, "consent"),
			ConsentTimeout:  60 * time.Second,
			ConsentInterval: 200 * time.Millisecond,
		},
		Backends: BackendsConfig{
			ProbeTimeout:  2 * time.Second,
			NativeTimeout: 3 * time.Second,
			EncryptedFile: EncryptedFileConfig{
				Path:     filepath.Join(dir, "secrets.kf"),
				SeedPath: filepath.Join(dir, "seed"),
			},
		},
		Anomaly: AnomalyConfig{
			Lookback:       time.Hour,
			Interval:       time.Minute,
			Frequency:      WindowRule{Threshold: 30, Window: time.Minute},
			FailureCluster: WindowRule{Threshold: 5, Window: 5 * time.Minute},
			Activity:       ActivityWindow{Start: "07:00", End: "23:59"},
		},
		Rotation: RotationConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads configuration from a YAML file. Empty path falls back to the
// default location. Missing file returns defaults. Invalid YAML returns
// an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads configuration and returns the SHA-256 hash of the
// raw YAML bytes on disk. When no file exists (defaults used), the hash
// is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return Default(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Audit.Buffer < 0 {
		return fmt.Errorf("config: audit buffer must not be negative")
	}
	if c.Gateway.ConsentTimeout < 0 {
		return fmt.Errorf("config: consent timeout must not be negative")
	}
	r := c.Gateway.Remote
	if r.Enabled {
		if r.ListenAddr == "" || r.CertFile == "" || r.KeyFile == "" || r.CAFile == "" {
			return fmt.Errorf("config: remote gateway requires listen_addr, cert_file, key_file and ca_file")
		}
		if r.PeerPin == "" {
			return fmt.Errorf("config: remote gateway requires a pinned peer identity")
		}
	}
	return nil
}
