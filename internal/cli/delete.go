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
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <service> <account>",
	Short: "Delete a credential from every backend",
	Long:  "Removes the credential from every available backend that holds it. Deleting an absent credential is a no-op.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := model.Identity{Service: args[0], Account: args[1]}
	err = rt.mgr.Delete(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "nothing to delete for %s\n", id.Hash())
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "deleted %s\n", id.Hash())
	return nil
}
