package base

import (
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"net"
	"strconv"
	"time"
)

// ServerAddress identifies a connection pool. All fields take part in
// equality, so two addresses that differ only in their pool size get
// separate pools.
type ServerAddress struct {
	Host        string
	Port        int
	TCPNoDelay  bool
	Timeout     time.Duration
	MaxPoolSize int
}

// ParseServerAddress builds the address of a configured endpoint. Endpoints
// without a port (unix socket paths) keep the whole endpoint as host.
func ParseServerAddress(endpoint string, config common.ClientTransportConfig) (ServerAddress, error) {
	if endpoint == "" {
		return ServerAddress{}, fmt.Errorf("empty endpoint")
	}

	addr := ServerAddress{
		Host:        endpoint,
		TCPNoDelay:  config.TCPNoDelay,
		Timeout:     config.SocketTimeout,
		MaxPoolSize: config.MaxPoolSize,
	}

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return addr, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ServerAddress{}, fmt.Errorf("invalid port in endpoint %q", endpoint)
	}
	addr.Host, addr.Port = host, port
	return addr, nil
}

// Endpoint renders the dial target
func (a ServerAddress) Endpoint() string {
	if a.Port > 0 {
		return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
	return a.Host
}

func (a ServerAddress) String() string {
	return fmt.Sprintf("%s(nodelay=%t, timeout=%s, maxPool=%d)", a.Endpoint(), a.TCPNoDelay, a.Timeout, a.MaxPoolSize)
}
