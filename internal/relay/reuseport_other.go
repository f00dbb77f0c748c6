//go:build !unix

package relay

import "syscall"

func reusePort(_, _ string, _ syscall.RawConn) error { return nil }

const reusePortSupported = false
