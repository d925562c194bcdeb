package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/alert"
	"github.com/keyfort/keyfort/internal/anomaly"
	"github.com/keyfort/keyfort/internal/audit"
	"github.com/keyfort/keyfort/internal/config"
	"github.com/keyfort/keyfort/internal/consent"
	"github.com/keyfort/keyfort/internal/gateway"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credential gateway daemon",
	Long:  "Serves the credential API on a local unix socket with per-connection ownership checks and a consent gate on every value release. Optionally also serves the mTLS network variant for a single pinned peer. Runs anomaly detection over the audit index in the background.\nSupports hot-reload of the config file.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	// A tampered chain is worth knowing about before serving anything.
	// A missing log just means first run.
	if _, statErr := os.Stat(rt.cfg.Audit.LogPath); statErr == nil {
		if result := audit.Verify(rt.cfg.Audit.LogPath); !result.Valid {
			fmt.Fprintf(os.Stderr, "warning: audit chain verification failed at line %d: %s\n",
				result.ErrorLine, result.Error)
		}
	}

	consents, err := consent.NewStore(rt.cfg.Gateway.ConsentDir)
	if err != nil {
		return fmt.Errorf("consent store: %w", err)
	}
	consents.Cleanup()

	gw := gateway.New(rt.mgr, consents, gateway.Config{
		SocketPath:      rt.cfg.Gateway.SocketPath,
		ConsentTimeout:  rt.cfg.Gateway.ConsentTimeout,
		ConsentInterval: rt.cfg.Gateway.ConsentInterval,
		AutoApprove:     rt.cfg.Gateway.AutoApprove,
	}, nil)
	if err := gw.Listen(); err != nil {
		return err
	}
	defer gw.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- gw.Serve(ctx) }()

	var remote *gateway.Remote
	if rt.cfg.Gateway.Remote.Enabled {
		remote = gateway.NewRemote(gw, gateway.RemoteConfig{
			ListenAddr: rt.cfg.Gateway.Remote.ListenAddr,
			CertFile:   rt.cfg.Gateway.Remote.CertFile,
			KeyFile:    rt.cfg.Gateway.Remote.KeyFile,
			CAFile:     rt.cfg.Gateway.Remote.CAFile,
			PeerPin:    rt.cfg.Gateway.Remote.PeerPin,
		})
		if err := remote.Listen(); err != nil {
			return err
		}
		defer remote.Close()
		go func() { errCh <- remote.Serve(ctx) }()
	}

	// Anomaly detection and alert dispatch read the live config so a
	// hot-reload takes effect on the next tick.
	var mu sync.Mutex
	cfg, hash := rt.cfg, rt.configHash

	go func() {
		for {
			mu.Lock()
			interval := cfg.Anomaly.Interval
			mu.Unlock()
			if interval <= 0 {
				interval = time.Minute
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}

			mu.Lock()
			engine := anomaly.NewEngine(rt.store, anomalyRules(cfg), cfg.Anomaly.Lookback)
			dispatcher := alert.NewDispatcher(cfg.Alerts)
			configHash := hash
			mu.Unlock()

			alerts, err := engine.Evaluate(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "anomaly evaluation failed: %v\n", err)
				continue
			}
			for _, a := range alerts {
				fmt.Fprintf(os.Stderr, "anomaly [%s] %s: %s\n", a.Rule, a.IdentityHash, a.Reason)
				dispatcher.Dispatch(alert.FromAnomaly(a.Rule, a.IdentityHash, a.Reason, a.Count, configHash))
			}
		}
	}()

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultPath()
	}
	reloader, err := config.NewReloader([]string{watchPath}, func() error {
		next, nextHash, err := config.LoadWithHash(watchPath)
		if err != nil {
			return err
		}
		mu.Lock()
		cfg, hash = next, nextHash
		mu.Unlock()
		rt.mgr.Refresh(ctx)
		fmt.Fprintf(os.Stderr, "config reloaded (%s)\n", nextHash)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintf(os.Stderr, "keyfort gateway listening on %s\n", rt.cfg.Gateway.SocketPath)
	if remote != nil {
		fmt.Fprintf(os.Stderr, "remote gateway listening on %s (mTLS, pinned peer)\n", rt.cfg.Gateway.Remote.ListenAddr)
	}

	select {
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nShutting down gateway...")
		cancel()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

func anomalyRules(cfg *config.Config) []anomaly.Rule {
	return []anomaly.Rule{
		anomaly.FrequencyRule{
			MaxOps: cfg.Anomaly.Frequency.Threshold,
			Window: cfg.Anomaly.Frequency.Window,
		},
		anomaly.TemporalRule{
			Start: cfg.Anomaly.Activity.Start,
			End:   cfg.Anomaly.Activity.End,
		},
		anomaly.FailureClusterRule{
			MaxFailures: cfg.Anomaly.FailureCluster.Threshold,
			Window:      cfg.Anomaly.FailureCluster.Window,
		},
	}
}
