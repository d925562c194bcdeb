package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keyfort/keyfort/internal/config"
	"github.com/keyfort/keyfort/internal/integrity"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config and binary checksum",
	Long:  "Creates ~/.keyfort with a config.yaml holding the built-in defaults, and records the running binary's checksum so later invocations can detect tampering.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := config.DefaultDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	path := config.DefaultPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", path)

	hash, err := integrity.HashSelf()
	if err != nil {
		return fmt.Errorf("hash binary: %w", err)
	}
	checksumPath := filepath.Join(dir, "binary.sha256")
	if err := os.WriteFile(checksumPath, []byte(hash+"\n"), 0600); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", checksumPath)
	return nil
}
