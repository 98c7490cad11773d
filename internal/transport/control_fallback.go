//go:build !linux && !freebsd && !darwin && !aix && !dragonfly && !netbsd && !openbsd
// +build !linux,!freebsd,!darwin,!aix,!dragonfly,!netbsd,!openbsd

package transport

import "syscall"

// reuseControl is a no-op on platforms without SO_REUSEADDR/SO_REUSEPORT
// wired through golang.org/x/sys.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
