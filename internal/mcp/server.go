// Package mcp exposes the credential manager as MCP tools over stdio.
// Value-releasing reads pass the same consent gate as the unix-socket
// gateway; management tools (set, delete, revoke, list) operate on
// identities and hashes only.
package mcp

import (
	"context"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keyfort/keyfort/internal/consent"
	"github.com/keyfort/keyfort/internal/manager"
	"github.com/keyfort/keyfort/internal/revoke"
)

// Config controls consent gating for the MCP surface.
type Config struct {
	ConsentTimeout  time.Duration
	ConsentInterval time.Duration
	AutoApprove     bool
}

// Server wraps the MCP SDK server around the credential manager.
type Server struct {
	mcpServer *mcpsdk.Server
	mgr       *manager.Manager
	consents  *consent.Store
	ctrl      *revoke.Controller
	cfg       Config
	uid       int
}

// New builds the MCP server and registers its tools. source may be nil,
// in which case revocation leaves no replacement credential behind.
func New(mgr *manager.Manager, consents *consent.Store, source revoke.RotationSource, cfg Config) *Server {
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = 60 * time.Second
	}
	if cfg.ConsentInterval <= 0 {
		cfg.ConsentInterval = 200 * time.Millisecond
	}

	s := &Server{
		mgr:      mgr,
		consents: consents,
		ctrl:     revoke.New(mgr, source),
		cfg:      cfg,
		uid:      os.Getuid(),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "keyfort",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all keyfort tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_get",
		Description: "Retrieve a credential value. Releases pass the consent gate; denied requests return an error without the value.",
	}, s.handleGet)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_check",
		Description: "Check a credential's status (ok/revoked/not_found) without releasing its value. Needs no consent.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_set",
		Description: "Store or rotate a credential. Storing under an existing identity rotates it in place.",
	}, s.handleSet)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_delete",
		Description: "Delete a credential from every backend that holds it.",
	}, s.handleDelete)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_list",
		Description: "List stored credential identities. Never returns values.",
	}, s.handleList)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_revoke",
		Description: "Emergency-revoke a credential (or all credentials) and reissue from the rotation source when one is configured.",
	}, s.handleRevoke)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_backends",
		Description: "Show the detected backend ranking and availability.",
	}, s.handleBackends)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "keyfort_consent",
		Description: "List pending and resolved consent requests.",
	}, s.handleConsent)
}
