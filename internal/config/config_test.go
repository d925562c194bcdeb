package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audit.Buffer != 1024 {
		t.Errorf("expected default audit buffer, got %d", cfg.Audit.Buffer)
	}
	if cfg.Anomaly.Activity.Start != "07:00" {
		t.Errorf("expected default activity window, got %s", cfg.Anomaly.Activity.Start)
	}
	// Hash of empty input marks "defaults in effect".
	if hash != "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("unexpected defaults hash %s", hash)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
audit:
  buffer: 64
anomaly:
  frequency:
    threshold: 10
    window: 30s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audit.Buffer != 64 {
		t.Errorf("expected overridden buffer 64, got %d", cfg.Audit.Buffer)
	}
	if cfg.Anomaly.Frequency.Threshold != 10 || cfg.Anomaly.Frequency.Window != 30*time.Second {
		t.Errorf("expected overridden frequency rule, got %+v", cfg.Anomaly.Frequency)
	}
	// Untouched fields keep defaults.
	if cfg.Anomaly.FailureCluster.Threshold != 5 {
		t.Errorf("expected default failure cluster threshold, got %d", cfg.Anomaly.FailureCluster.Threshold)
	}
	if hash == "" {
		t.Error("expected non-empty config hash")
	}
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("audit: [not a map"), 0600)

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateRejectsPartialRemoteConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Remote.Enabled = true
	cfg.Gateway.Remote.ListenAddr = "127.0.0.1:7070"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for remote gateway without certs")
	}

	cfg.Gateway.Remote.CertFile = "cert.pem"
	cfg.Gateway.Remote.KeyFile = "key.pem"
	cfg.Gateway.Remote.CAFile = "ca.pem"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for remote gateway without pinned peer")
	}

	cfg.Gateway.Remote.PeerPin = "sha256:abc"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected complete remote config to validate, got %v", err)
	}
}

func TestConfigHashChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	os.WriteFile(path, []byte("data_dir: /tmp/a\n"), 0600)
	_, hash1, err := LoadWithHash(path)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte("data_dir: /tmp/b\n"), 0600)
	_, hash2, err := LoadWithHash(path)
	if err != nil {
		t.Fatal(err)
	}

	if hash1 == hash2 {
		t.Error("expected different hashes for different content")
	}
}

func TestReloaderTriggersOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/a\n"), 0600)

	var reloads atomic.Int32
	r, err := NewReloader([]string{path}, func() error {
		reloads.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	os.WriteFile(path, []byte("data_dir: /tmp/b\n"), 0600)

	deadline := time.After(3 * time.Second)
	for reloads.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("reloader did not fire within deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestReloaderSkipsMissingPaths(t *testing.T) {
	r, err := NewReloader([]string{filepath.Join(t.TempDir(), "absent.yaml"), ""}, func() error { return nil })
	if err != nil {
		t.Fatalf("expected missing paths to be skipped, got %v", err)
	}
	if len(r.paths) != 0 {
		t.Errorf("expected no watched paths, got %v", r.paths)
	}
}
