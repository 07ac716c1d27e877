//go:build linux || darwin

package tcp

import (
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"golang.org/x/sys/unix"
	"syscall"
)

// socketControl returns a dial/listen control function setting the options
// that must be applied before connect or bind. It returns nil if there is
// nothing to set.
func socketControl(sock common.SocketConf, listening bool) func(network, address string, c syscall.RawConn) error {
	reuse := listening && sock.ReuseAddress
	if !reuse && sock.TrafficClass == 0 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if reuse {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
					return
				}
			}
			if sock.TrafficClass != 0 && network != "tcp6" {
				opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, sock.TrafficClass)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
