package keyfort

import (
	"net"
	"time"
)

// Option configures a Client at creation time.
type Option func(*clientConfig)

// DialFunc opens a connection to the gateway. Tests substitute fakes.
type DialFunc func(timeout time.Duration) (net.Conn, error)

type clientConfig struct {
	socketPath string
	timeout    time.Duration
	dial       DialFunc
}

// WithSocketPath sets the gateway socket location. Defaults to
// ~/.keyfort/gateway.sock.
func WithSocketPath(path string) Option {
	return func(c *clientConfig) { c.socketPath = path }
}

// WithTimeout bounds a full request round trip, including any time spent
// waiting on the consent gate. Defaults to 90s so an interactive consent
// decision has room to happen.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithDialFunc overrides how connections are opened.
func WithDialFunc(dial DialFunc) Option {
	return func(c *clientConfig) { c.dial = dial }
}
