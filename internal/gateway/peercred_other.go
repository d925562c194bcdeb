//go:build !linux

package gateway

import (
	"fmt"
	"net"
)

// platformPeerCred fails closed on platforms without SO_PEERCRED support:
// no peer identity means no connection.
func platformPeerCred(conn net.Conn) (PeerCred, error) {
	return PeerCred{}, fmt.Errorf("gateway: peer credentials not supported on this platform")
}
