package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/consent"
	keymcp "github.com/keyfort/keyfort/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs keyfort as an MCP (Model Context Protocol) server over stdio.\nExposes credential tools: get, set, delete, list, revoke, backends, consent.\nValue-releasing gets pass the same consent gate as the gateway.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	consents, err := consent.NewStore(rt.cfg.Gateway.ConsentDir)
	if err != nil {
		return fmt.Errorf("consent store: %w", err)
	}

	srv := keymcp.New(rt.mgr, consents, rt.rotationSource(), keymcp.Config{
		ConsentTimeout:  rt.cfg.Gateway.ConsentTimeout,
		ConsentInterval: rt.cfg.Gateway.ConsentInterval,
		AutoApprove:     rt.cfg.Gateway.AutoApprove,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "keyfort MCP server running on stdio")
	return srv.Run(ctx)
}
