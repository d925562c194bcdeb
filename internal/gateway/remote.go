package gateway

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// RemoteConfig is the network-exposed gateway variant. Both sides present
// certificates, and the expected peer is pinned by the SPKI digest of its
// leaf certificate. A mismatch terminates the connection during the
// handshake, before any request is parsed.
type RemoteConfig struct {
	ListenAddr string
	CertFile   string
	KeyFile    string
	CAFile     string
	PeerPin    string // "sha256:<hex>" over the peer leaf SPKI
}

// Remote serves the same request protocol as the local gateway over
// mutually authenticated TLS. The consent gate does not apply: the pinned
// peer identity is the authorization.
type Remote struct {
	gw  *Gateway
	cfg RemoteConfig

	ln net.Listener
	wg sync.WaitGroup
}

// NewRemote wraps a gateway with the mTLS transport.
func NewRemote(gw *Gateway, cfg RemoteConfig) *Remote {
	return &Remote{gw: gw, cfg: cfg}
}

// SPKIPin computes the pin string for a certificate, for operators
// configuring peer_pin from a peer's cert file.
func SPKIPin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (r *Remote) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(r.cfg.CertFile, r.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: load keypair: %w", err)
	}

	caPEM, err := os.ReadFile(r.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("gateway: no certificates in CA bundle")
	}

	pin := strings.TrimPrefix(r.cfg.PeerPin, "sha256:")
	if pin == "" {
		return nil, fmt.Errorf("gateway: remote requires a pinned peer identity")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("gateway: peer presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("gateway: parse peer certificate: %w", err)
			}
			if SPKIPin(leaf) != "sha256:"+pin {
				return fmt.Errorf("gateway: peer certificate does not match pinned identity")
			}
			return nil
		},
	}, nil
}

// Listen binds the TLS listener.
func (r *Remote) Listen() error {
	tcfg, err := r.tlsConfig()
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", r.cfg.ListenAddr, tcfg)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", r.cfg.ListenAddr, err)
	}
	r.ln = ln
	return nil
}

// Serve accepts mTLS connections until the context is cancelled.
func (r *Remote) Serve(ctx context.Context) error {
	if r.ln == nil {
		return fmt.Errorf("gateway: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

// Close shuts the listener down and waits for in-flight connections.
func (r *Remote) Close() error {
	var err error
	if r.ln != nil {
		err = r.ln.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Remote) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Force the handshake now so a pin mismatch kills the connection
	// before the request loop ever runs.
	tconn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := tconn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(tconn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	enc := json.NewEncoder(tconn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{Status: StatusError, Error: "malformed request"})
			return
		}
		resp := r.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (r *Remote) dispatch(ctx context.Context, req Request) Response {
	// The pinned peer passed mutual authentication; its identity is the
	// authorization, so get skips the interactive consent gate.
	switch req.Operation {
	case "get":
		return r.gw.getRecord(ctx, req)
	case "list":
		return r.gw.handleList(ctx)
	default:
		return Response{Status: StatusError, Error: fmt.Sprintf("unknown operation %q", req.Operation)}
	}
}
