package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/config"
	"github.com/keyfort/keyfort/internal/consent"
)

var grantDuration time.Duration

func init() {
	rootCmd.AddCommand(consentCmd)
	consentCmd.AddCommand(consentListCmd)
	consentCmd.AddCommand(consentGrantCmd)
	consentCmd.AddCommand(consentDenyCmd)
	consentGrantCmd.Flags().DurationVar(&grantDuration, "for", 0, "Grant validity window (e.g. 5m); zero means one-time")
}

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage consent requests from gateway peers",
	Long:  "A gateway peer asking for a secret value blocks until its consent request is granted or denied here, or times out.",
}

var consentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List consent requests",
	Args:  cobra.NoArgs,
	RunE:  runConsentList,
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant <key>",
	Short: "Grant a pending consent request",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsentGrant,
}

var consentDenyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Deny a pending consent request",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsentDeny,
}

func openConsentStore() (*consent.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return consent.NewStore(cfg.Gateway.ConsentDir)
}

func runConsentList(cmd *cobra.Command, args []string) error {
	store, err := openConsentStore()
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tIDENTITY\tSTATUS\tREQUESTED")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Key, c.IdentityHash, c.Status, c.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runConsentGrant(cmd *cobra.Command, args []string) error {
	store, err := openConsentStore()
	if err != nil {
		return err
	}
	if err := store.Grant(args[0], grantDuration); err != nil {
		return err
	}
	if grantDuration > 0 {
		fmt.Fprintf(os.Stderr, "granted %s for %s\n", args[0], grantDuration)
	} else {
		fmt.Fprintf(os.Stderr, "granted %s (one-time)\n", args[0])
	}
	return nil
}

func runConsentDeny(cmd *cobra.Command, args []string) error {
	store, err := openConsentStore()
	if err != nil {
		return err
	}
	if err := store.Deny(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "denied %s\n", args[0])
	return nil
}
