package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/internal/model"
)

var setClass string

func init() {
	rootCmd.AddCommand(setCmd)
	setCmd.Flags().StringVar(&setClass, "class", "", "Classification: public, internal, confidential or restricted (default confidential)")
}

var setCmd = &cobra.Command{
	Use:   "set <service> <account>",
	Short: "Store or rotate a credential",
	Long:  "Reads the secret value from stdin and stores it under (service, account). Storing under an existing identity rotates it in place, preserving creation time. The value never appears in process arguments.",
	Args:  cobra.ExactArgs(2),
	RunE:  runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	// Empty stays unspecified so a rotation inherits the stored class.
	if _, err := model.ParseClassification(setClass); err != nil {
		return err
	}

	value, err := readSecret()
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return fmt.Errorf("empty value")
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := model.Identity{Service: args[0], Account: args[1]}
	if err := rt.mgr.Set(ctx, id, value, model.Classification(setClass)); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "stored %s\n", id.Hash())
	return nil
}

// readSecret takes the value from stdin: the first line on a terminal,
// the full input when piped.
func readSecret() ([]byte, error) {
	info, _ := os.Stdin.Stat()
	if info != nil && info.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprint(os.Stderr, "Value: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(data), "\n")), nil
}
