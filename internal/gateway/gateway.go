// Package gateway exposes the credential API to local peer processes over
// a unix socket. Every connection passes an ownership check before a
// single request byte is read, and every secret release passes the
// consent gate. Consent is never cached across requests.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/consent"
	"github.com/keyfort/keyfort/internal/manager"
	"github.com/keyfort/keyfort/internal/model"
)

// PeerCred identifies the process on the far end of a unix socket
// connection. The platform implementation reads SO_PEERCRED; tests
// substitute fakes to simulate distinct peers.
type PeerCred struct {
	UID int
	PID int
}

// PeerCredFunc extracts peer credentials from an accepted connection.
type PeerCredFunc func(conn net.Conn) (PeerCred, error)

// Config controls the local gateway.
type Config struct {
	SocketPath      string
	ConsentTimeout  time.Duration
	ConsentInterval time.Duration
	AutoApprove     bool
}

// Gateway serves the credential API on a local unix socket.
type Gateway struct {
	mgr      *manager.Manager
	consents *consent.Store
	cfg      Config
	peerCred PeerCredFunc
	ownerUID int

	ln net.Listener
	wg sync.WaitGroup
}

// New builds a gateway. peerCred may be nil, selecting the platform
// implementation.
func New(mgr *manager.Manager, consents *consent.Store, cfg Config, peerCred PeerCredFunc) *Gateway {
	if peerCred == nil {
		peerCred = platformPeerCred
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = 60 * time.Second
	}
	return &Gateway{
		mgr:      mgr,
		consents: consents,
		cfg:      cfg,
		peerCred: peerCred,
		ownerUID: os.Getuid(),
	}
}

// Listen binds the unix socket. A stale socket file from a dead process
// is removed if nothing answers on it.
func (g *Gateway) Listen() error {
	dir := filepath.Dir(g.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("gateway: create socket directory: %w", err)
	}

	if _, err := os.Stat(g.cfg.SocketPath); err == nil {
		conn, err := net.DialTimeout("unix", g.cfg.SocketPath, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("gateway: socket %s already in use", g.cfg.SocketPath)
		}
		if err := os.Remove(g.cfg.SocketPath); err != nil {
			return fmt.Errorf("gateway: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", g.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	if err := os.Chmod(g.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("gateway: restrict socket mode: %w", err)
	}
	g.ln = ln
	return nil
}

// Serve accepts connections until the context is cancelled. Listen must
// have been called first.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.ln == nil {
		return fmt.Errorf("gateway: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		g.ln.Close()
	}()

	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				g.wg.Wait()
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handle(ctx, conn)
		}()
	}
}

// Close shuts the listener down and waits for in-flight connections.
func (g *Gateway) Close() error {
	var err error
	if g.ln != nil {
		err = g.ln.Close()
	}
	g.wg.Wait()
	return err
}

// handle walks one connection through the per-connection state machine.
// An ownership failure closes the connection with no response sent and
// before any request bytes are parsed.
func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	cred, err := g.peerCred(conn)
	if err != nil || cred.UID != g.ownerUID {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{Status: StatusError, Error: "malformed request"})
			return
		}
		resp := g.dispatch(ctx, cred, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, cred PeerCred, req Request) Response {
	switch req.Operation {
	case "get":
		return g.handleGet(ctx, cred, req)
	case "list":
		return g.handleList(ctx)
	default:
		return Response{Status: StatusError, Error: fmt.Sprintf("unknown operation %q", req.Operation)}
	}
}

// handleGet runs the consent gate and then the retrieval. On denial the
// retrieval still runs and its result is discarded, so a denied response
// takes the same time as a released one and timing does not leak whether
// the identity exists.
func (g *Gateway) handleGet(ctx context.Context, cred PeerCred, req Request) Response {
	id := model.Identity{Service: req.Service, Account: req.Account}
	if err := id.Validate(); err != nil {
		return Response{Status: StatusError, Error: err.Error()}
	}

	granted := g.cfg.AutoApprove
	if !granted {
		key := consent.RequestKey(id.Hash(), cred.UID)
		if err := g.consents.Request(key, id.Hash(), cred.UID, cred.PID); err != nil {
			return Response{Status: StatusError, Error: "consent gate unavailable"}
		}
		waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConsentTimeout)
		status, err := g.consents.Await(waitCtx, key, g.cfg.ConsentInterval)
		cancel()
		if err == nil && status == consent.StatusGranted {
			if g.consents.Consume(key) == nil {
				granted = true
			}
		}
	}

	resp := g.getRecord(ctx, req)
	if !granted {
		// The retrieval above ran either way and its result is dropped
		// here, keeping denial timing in line with a release.
		return Response{Status: StatusDenied, Error: "consent not granted"}
	}
	return resp
}

// getRecord performs the retrieval with no consent gate. Used directly by
// the remote variant, where the pinned peer identity is the authorization.
func (g *Gateway) getRecord(ctx context.Context, req Request) Response {
	id := model.Identity{Service: req.Service, Account: req.Account}
	if err := id.Validate(); err != nil {
		return Response{Status: StatusError, Error: err.Error()}
	}

	rec, err := g.mgr.Get(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrRevoked):
			return Response{Status: StatusRevoked, Error: backend.ErrRevoked.Error()}
		case errors.Is(err, backend.ErrNotFound):
			return Response{Status: StatusNotFound, Error: backend.ErrNotFound.Error()}
		default:
			return Response{Status: StatusError, Error: "retrieval failed"}
		}
	}
	return Response{Status: StatusOK, Value: string(rec.Value)}
}

func (g *Gateway) handleList(ctx context.Context) Response {
	ids, err := g.mgr.List(ctx)
	if err != nil {
		return Response{Status: StatusError, Error: "enumeration failed"}
	}
	refs := make([]IdentityRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, IdentityRef{Service: id.Service, Account: id.Account})
	}
	return Response{Status: StatusOK, Identities: refs}
}
