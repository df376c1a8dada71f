//go:build !unix

package quic

import "syscall"

// socketControl leaves buffer sizes to the OS on platforms without x/sys/unix.
func socketControl(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
