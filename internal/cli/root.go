package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/integrity"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "keyfort",
	Short: "Layered secure-credential manager",
	Long:  "Stores secrets in the best available backend (OS secret store, encrypted file, ephemeral memory), falls back deterministically when a backend fails, and hash-chains every operation into a tamper-evident audit log.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := integrity.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.keyfort/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
