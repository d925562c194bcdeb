package cli

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/keyfort/keyfort/internal/audit"
	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/backend/encfile"
	"github.com/keyfort/keyfort/internal/backend/memstore"
	"github.com/keyfort/keyfort/internal/backend/native"
	"github.com/keyfort/keyfort/internal/config"
	"github.com/keyfort/keyfort/internal/detect"
	"github.com/keyfort/keyfort/internal/manager"
	"github.com/keyfort/keyfort/internal/revoke"
)

// runtime bundles the wired-up subsystems a command needs. Close flushes
// the audit recorder before the process exits.
type runtime struct {
	cfg        *config.Config
	configHash string
	mgr        *manager.Manager
	log        *audit.Log
	store      *audit.Store
	recorder   *audit.Recorder
}

// newRuntime loads configuration, probes backends, and opens the audit
// pipeline.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, hash, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	adapters := []backend.Adapter{
		native.New(native.Platform(), cfg.Backends.NativeTimeout),
		encfile.New(cfg.Backends.EncryptedFile.Path, cfg.Backends.EncryptedFile.SeedPath),
		memstore.New(),
	}

	ranking, err := detect.Detect(ctx, adapters, cfg.Backends.ProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("backend detection: %w", err)
	}

	log, err := audit.Open(cfg.Audit.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	store, err := audit.OpenStore(cfg.Audit.IndexPath)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open audit index: %w", err)
	}
	recorder := audit.NewRecorder(log, store, cfg.Audit.Buffer)

	mgr := manager.New(ranking, recorder, manager.Options{
		Actor:      currentActor(),
		ConfigHash: hash,
	})

	return &runtime{
		cfg:        cfg,
		configHash: hash,
		mgr:        mgr,
		log:        log,
		store:      store,
		recorder:   recorder,
	}, nil
}

// rotationSource builds the configured emergency rotation source, or nil.
func (rt *runtime) rotationSource() revoke.RotationSource {
	if rt.cfg.Rotation.Command == "" {
		return nil
	}
	return revoke.CommandSource{
		Command: rt.cfg.Rotation.Command,
		Timeout: rt.cfg.Rotation.Timeout,
	}
}

func (rt *runtime) Close() {
	rt.recorder.Close()
	rt.store.Close()
	rt.log.Close()
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "uid:" + strconv.Itoa(os.Getuid())
}
