//go:build unix

package netlisten

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setBacklog calls listen(2) again on the bound socket. The socket stays
// listening and the kernel adopts the new queue length.
func setBacklog(raw syscall.RawConn, backlog int) error {
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return opErr
}
