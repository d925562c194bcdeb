package keyfort

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Client talks to a keyfort gateway. Each call opens a fresh connection,
// so connections never outlive the consent that authorized them.
// Safe for concurrent use.
type Client struct {
	cfg clientConfig
}

// New creates a Client with the given options.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		timeout: 90 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.socketPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("keyfort: cannot resolve home directory: %w", err)
		}
		cfg.socketPath = filepath.Join(home, ".keyfort", "gateway.sock")
	}
	if cfg.dial == nil {
		path := cfg.socketPath
		cfg.dial = func(timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("unix", path, timeout)
		}
	}
	return &Client{cfg: cfg}, nil
}

// Get retrieves a credential value. Blocks until the gateway's consent
// gate resolves, the context ends, or the client timeout fires.
func (c *Client) Get(ctx context.Context, service, account string) (string, error) {
	resp, err := c.roundTrip(ctx, request{Operation: "get", Service: service, Account: account})
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case statusOK:
		return resp.Value, nil
	case statusDenied:
		return "", ErrDenied
	case statusNotFound:
		return "", ErrNotFound
	case statusRevoked:
		return "", ErrRevoked
	default:
		return "", fmt.Errorf("keyfort: %s", resp.Error)
	}
}

// List enumerates stored identities. Values are never returned.
func (c *Client) List(ctx context.Context) ([]Identity, error) {
	resp, err := c.roundTrip(ctx, request{Operation: "list"})
	if err != nil {
		return nil, err
	}
	if resp.Status != statusOK {
		return nil, fmt.Errorf("keyfort: %s", resp.Error)
	}
	return resp.Identities, nil
}

func (c *Client) roundTrip(ctx context.Context, req request) (*response, error) {
	conn, err := c.cfg.dial(c.cfg.timeout)
	if err != nil {
		return nil, fmt.Errorf("keyfort: gateway unreachable: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("keyfort: send: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("keyfort: read: %w", err)
		}
		// A silent close is what the gateway does to a peer that fails
		// the ownership check.
		return nil, fmt.Errorf("keyfort: connection closed by gateway")
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("keyfort: decode: %w", err)
	}
	return &resp, nil
}
