package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/model"
)

func init() {
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <service> <account>",
	Short: "Retrieve a credential value",
	Long:  "Retrieves the credential from the best available backend, cascading to lower-ranked backends when one is unavailable. The value is written to stdout with no trailing newline decoration.",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := model.Identity{Service: args[0], Account: args[1]}
	rec, err := rt.mgr.Get(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrRevoked):
			fmt.Fprintf(os.Stderr, "revoked: %s\n", id.Hash())
			os.Exit(2)
		case errors.Is(err, backend.ErrNotFound):
			fmt.Fprintf(os.Stderr, "not found: %s\n", id.Hash())
			os.Exit(1)
		}
		return err
	}

	fmt.Println(string(rec.Value))
	return nil
}
