//go:build linux || freebsd || darwin || aix || dragonfly || netbsd || openbsd
// +build linux freebsd darwin aix dragonfly netbsd openbsd

package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl is used as the net.ListenConfig.Control hook to set
// SO_REUSEADDR (and SO_REUSEPORT where available) before bind, so a
// restarted listener can rebind a port still draining in TIME_WAIT.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var errSetOpts error

	err := c.Control(func(fd uintptr) {
		errSetOpts = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if errSetOpts != nil {
			return
		}

		errSetOpts = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return fmt.Errorf("unable to set control options: %w", err)
	}

	if errSetOpts != nil {
		return fmt.Errorf("unable to set control options: %w", errSetOpts)
	}

	return nil
}
