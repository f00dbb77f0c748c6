//go:build unix

package relay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort lets several UDP listeners share one port; the kernel balances
// packets across them by 5-tuple.
func reusePort(_, _ string, conn syscall.RawConn) error {
	var operr error
	if err := conn.Control(func(fd uintptr) {
		operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return operr
}

const reusePortSupported = true
