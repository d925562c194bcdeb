package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/alert"
	"github.com/keyfort/keyfort/internal/model"
	"github.com/keyfort/keyfort/internal/revoke"
)

var revokeAll bool

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().BoolVar(&revokeAll, "all", false, "Revoke every stored credential")
}

var revokeCmd = &cobra.Command{
	Use:   "revoke [<service> <account>]",
	Short: "Emergency-revoke credentials",
	Long:  "Tombstones the credential on every backend that holds it, then reissues a replacement from the configured rotation command when one is set. A revoked credential answers get with a revoked error, not not-found.",
	RunE:  runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	if !revokeAll && len(args) != 2 {
		return fmt.Errorf("expected <service> <account>, or --all")
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctrl := revoke.New(rt.mgr, rt.rotationSource())
	dispatcher := alert.NewDispatcher(rt.cfg.Alerts)

	var outcomes []revoke.Outcome
	if revokeAll {
		outcomes, err = ctrl.RevokeAll(ctx)
		if err != nil {
			return err
		}
	} else {
		id := model.Identity{Service: args[0], Account: args[1]}
		outcomes = []revoke.Outcome{ctrl.RevokeIdentity(ctx, id)}
	}

	failed := 0
	for _, out := range outcomes {
		switch {
		case out.Revoked && out.Rotated:
			fmt.Fprintf(os.Stderr, "revoked and rotated %s\n", out.IdentityHash)
		case out.Revoked:
			fmt.Fprintf(os.Stderr, "revoked %s (no replacement issued)\n", out.IdentityHash)
		default:
			failed++
			fmt.Fprintf(os.Stderr, "failed %s: %s\n", out.IdentityHash, out.Err)
		}
		if out.Revoked {
			dispatcher.Dispatch(alert.FromRevocation(out.IdentityHash, "emergency revocation", rt.configHash))
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
	return nil
}
