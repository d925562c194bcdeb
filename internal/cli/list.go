package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listJSON bool

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential identities",
	Long:  "Lists the (service, account) pairs stored across all available backends. Values are never printed.",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ids, err := rt.mgr.List(ctx)
	if err != nil {
		return err
	}

	if listJSON {
		out, _ := json.MarshalIndent(ids, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tACCOUNT")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id.Service, id.Account)
	}
	return w.Flush()
}
