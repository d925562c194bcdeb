//go:build linux

package native

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/keyfort/keyfort/internal/backend"
)

const schema = "org.keyfort.Secret"

// SecretToolStore drives the freedesktop secret service through the
// secret-tool binary. Values are stored under a keyfort schema with
// service and account attributes.
type SecretToolStore struct{}

// Platform returns the host platform store, or nil when none is reachable.
func Platform() PlatformStore {
	if _, err := exec.LookPath("secret-tool"); err != nil {
		return nil
	}
	return &SecretToolStore{}
}

func (s *SecretToolStore) Handshake(ctx context.Context) error {
	// A search against our schema exercises the whole dbus path. An empty
	// result set is a healthy answer; a broken session bus is not.
	cmd := exec.CommandContext(ctx, "secret-tool", "search", "--all", "xdg:schema", schema)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("secret-tool: %v: %w", err, backend.ErrUnavailable)
	}
	return nil
}

func (s *SecretToolStore) Store(ctx context.Context, service, account string, value []byte) error {
	label := fmt.Sprintf("keyfort/%s/%s", service, account)
	cmd := exec.CommandContext(ctx, "secret-tool", "store", "--label", label,
		"xdg:schema", schema, "service", service, "account", account)
	cmd.Stdin = bytes.NewReader(value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyTool(err, out)
	}
	return nil
}

func (s *SecretToolStore) Retrieve(ctx context.Context, service, account string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "secret-tool", "lookup",
		"xdg:schema", schema, "service", service, "account", account)
	out, err := cmd.Output()
	if err != nil {
		// lookup exits nonzero when no item matches
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) == 0 {
			return nil, backend.ErrNotFound
		}
		return nil, classifyTool(err, nil)
	}
	return out, nil
}

func (s *SecretToolStore) Remove(ctx context.Context, service, account string) error {
	cmd := exec.CommandContext(ctx, "secret-tool", "clear",
		"xdg:schema", schema, "service", service, "account", account)
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyTool(err, out)
	}
	return nil
}

func (s *SecretToolStore) Enumerate(ctx context.Context) ([][2]string, error) {
	cmd := exec.CommandContext(ctx, "secret-tool", "search", "--all", "xdg:schema", schema)
	out, err := cmd.Output()
	if err != nil {
		return nil, classifyTool(err, nil)
	}

	var pairs [][2]string
	var service, account string
	flush := func() {
		if service != "" && account != "" {
			pairs = append(pairs, [2]string{service, account})
		}
		service, account = "", ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[") || line == "":
			flush()
		case strings.HasPrefix(line, "attribute.service = "):
			service = strings.TrimPrefix(line, "attribute.service = ")
		case strings.HasPrefix(line, "attribute.account = "):
			account = strings.TrimPrefix(line, "attribute.account = ")
		}
	}
	flush()
	return pairs, nil
}

func classifyTool(err error, out []byte) error {
	msg := strings.ToLower(string(out))
	if strings.Contains(msg, "denied") || strings.Contains(msg, "locked") {
		return fmt.Errorf("secret-tool: %s: %w", strings.TrimSpace(string(out)), backend.ErrPermissionDenied)
	}
	return fmt.Errorf("secret-tool: %v: %w", err, backend.ErrUnavailable)
}
