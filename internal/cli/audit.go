package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/audit"
	"github.com/keyfort/keyfort/internal/config"
	"github.com/keyfort/keyfort/internal/model"
)

var (
	tailLines     int
	queryIdentity string
	queryOp       string
	queryFailures bool
	querySince    time.Duration
	queryLimit    int
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent events to show")
	auditQueryCmd.Flags().StringVar(&queryIdentity, "identity", "", "Filter by identity hash (sha256:<hex>)")
	auditQueryCmd.Flags().StringVar(&queryOp, "op", "", "Filter by operation (get/set/delete/list/emergency_revoke)")
	auditQueryCmd.Flags().BoolVar(&queryFailures, "failures", false, "Only failed operations")
	auditQueryCmd.Flags().DurationVar(&querySince, "since", 0, "Only events newer than this duration (e.g. 1h)")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum number of events")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log and its query index.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Walks the JSONL audit log and validates that every event's prev_hash\nmatches the SHA-256 of the previous line. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the audit index",
	Long:  "Runs a filtered query against the sqlite audit index, newest first.",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

func auditLogPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Audit.LogPath, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d events verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(event, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := audit.OpenStore(cfg.Audit.IndexPath)
	if err != nil {
		return fmt.Errorf("open audit index: %w", err)
	}
	defer store.Close()

	filter := audit.Filter{
		IdentityHash: queryIdentity,
		Operation:    model.Operation(queryOp),
		FailuresOnly: queryFailures,
		Limit:        queryLimit,
	}
	if querySince > 0 {
		filter.Since = time.Now().UTC().Add(-querySince)
	}

	events, err := store.Query(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, e := range events {
		out, _ := json.Marshal(e)
		fmt.Println(string(out))
	}
	return nil
}
