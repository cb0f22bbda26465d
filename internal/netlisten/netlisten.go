// Package netlisten opens stream listeners with an explicit accept backlog.
package netlisten

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// Listen opens a stream listener on address. A positive backlog replaces the
// kernel default (somaxconn) that the net package passes to listen(2).
func Listen(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		return ln, nil
	}
	sc, ok := ln.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return ln, nil
	}
	raw, err := sc.SyscallConn()
	if err == nil {
		err = setBacklog(raw, backlog)
	}
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("netlisten: set backlog %d: %w", backlog, err)
	}
	return ln, nil
}
