//go:build !unix

package netlisten

import "syscall"

func setBacklog(syscall.RawConn, int) error { return nil }
