//go:build linux

package gateway

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// platformPeerCred reads SO_PEERCRED from an accepted unix socket
// connection. Kernel-asserted, not caller-supplied.
func platformPeerCred(conn net.Conn) (PeerCred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCred{}, fmt.Errorf("gateway: not a unix socket connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, fmt.Errorf("gateway: syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCred{}, fmt.Errorf("gateway: control: %w", err)
	}
	if credErr != nil {
		return PeerCred{}, fmt.Errorf("gateway: SO_PEERCRED: %w", credErr)
	}

	return PeerCred{UID: int(cred.Uid), PID: int(cred.Pid)}, nil
}
