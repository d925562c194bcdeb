package keyfort

import (
	"fmt"
	"net/http"
)

// TransportOption configures a Transport.
type TransportOption func(*transportConfig)

type transportConfig struct {
	header string
	prefix string
	base   http.RoundTripper
}

// WithHeader overrides the header the credential is written to.
// Defaults to Authorization.
func WithHeader(name string) TransportOption {
	return func(t *transportConfig) { t.header = name }
}

// WithPrefix sets the value prefix, e.g. "Bearer ". Defaults to
// "Bearer " for the Authorization header and empty otherwise.
func WithPrefix(prefix string) TransportOption {
	return func(t *transportConfig) { t.prefix = prefix }
}

// WithBase sets the underlying RoundTripper. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) TransportOption {
	return func(t *transportConfig) { t.base = rt }
}

// Transport returns an http.RoundTripper that fetches the credential
// from the gateway on every request and injects it into a header. The
// application never holds the value; a revoked or denied credential
// fails the request before it leaves the process.
func (c *Client) Transport(service, account string, opts ...TransportOption) http.RoundTripper {
	cfg := transportConfig{
		header: "Authorization",
		base:   http.DefaultTransport,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.prefix == "" && cfg.header == "Authorization" {
		cfg.prefix = "Bearer "
	}
	return &injectingTransport{client: c, service: service, account: account, cfg: cfg}
}

type injectingTransport struct {
	client  *Client
	service string
	account string
	cfg     transportConfig
}

func (t *injectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	value, err := t.client.Get(req.Context(), t.service, t.account)
	if err != nil {
		return nil, fmt.Errorf("keyfort: credential injection failed: %w", err)
	}

	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set(t.cfg.header, t.cfg.prefix+value)
	return t.cfg.base.RoundTrip(clone)
}
