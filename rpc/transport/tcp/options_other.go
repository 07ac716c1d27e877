//go:build !linux && !darwin

package tcp

import (
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"syscall"
)

// socketControl is a no-op on platforms without IP_TOS and SO_REUSEADDR support
func socketControl(common.SocketConf, bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
