package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var backendsRefresh bool

func init() {
	rootCmd.AddCommand(backendsCmd)
	backendsCmd.Flags().BoolVar(&backendsRefresh, "refresh", false, "Re-probe all backends before printing")
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show the detected backend ranking",
	Long:  "Prints each backend in priority order with its probe result. Demoted backends stay demoted until a refresh re-probes them.",
	Args:  cobra.NoArgs,
	RunE:  runBackends,
}

func runBackends(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if backendsRefresh {
		rt.mgr.Refresh(ctx)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tPRIORITY\tAVAILABLE\tPROBE")
	for _, d := range rt.mgr.Backends() {
		fmt.Fprintf(w, "%s\t%d\t%v\t%s\n", d.Kind, d.Priority, d.Available, d.Latency)
	}
	return w.Flush()
}
