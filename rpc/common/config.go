package common

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Protocol versions
// --------------------------------------------------------------------------

// Protocol version bytes written in front of every invocation and response.
const (
	// Version1 is the legacy mode: no version byte is exchanged at all.
	Version1 byte = 1
	// Version2 is the default protocol version.
	Version2 byte = 2
	// Version2_2 additionally acknowledges oneway invocations.
	Version2_2 byte = 22
)

// --------------------------------------------------------------------------
// Socket configuration (shared by client and server)
// --------------------------------------------------------------------------

// SocketConf holds options applied to every socket right after it is dialed
// or accepted. Zero values leave the operating system defaults untouched.
type SocketConf struct {
	// WriteBufferSize / ReadBufferSize are the kernel socket buffer sizes in bytes
	WriteBufferSize int
	ReadBufferSize  int
	// TrafficClass sets IP_TOS on TCP sockets (unix only)
	TrafficClass int
	// ReuseAddress sets SO_REUSEADDR on listening sockets (unix only)
	ReuseAddress bool
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay bool
	// TCPKeepAliveSec is the keep-alive period, 0 disables keep-alive
	TCPKeepAliveSec int
	// TCPLingerSec is the SO_LINGER value, -1 keeps the OS default
	TCPLingerSec int
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig configures the accept loop and the worker pool
type ServerTransportConfig struct {
	// AcceptThreads is the number of accept goroutines per listening socket
	AcceptThreads int
	// Backlog is the requested accept backlog. Go listens with the system
	// maximum, the value is only reported.
	Backlog int
	// MaxPoolSize is the ceiling on live worker goroutines
	MaxPoolSize int
	// SocketTimeout is the read/write timeout of accepted sockets, 0 disables it
	SocketTimeout time.Duration
	// IdleTimeout shuts down workers without a request for this long, 0 disables reaping
	IdleTimeout time.Duration
	// IdleCheckInterval is the reaper period, defaults to IdleTimeout/2
	IdleCheckInterval time.Duration
	// CheckConnection makes workers answer a liveness byte before every reused invocation
	CheckConnection bool
	// ContinueAfterTimeout keeps a worker serving after a read timeout
	ContinueAfterTimeout bool
	// EvictionGracePeriod protects workers that have not served an invocation yet
	EvictionGracePeriod time.Duration
	// WorkerWaitInterval bounds a single wait for a free worker when the pool is exhausted
	WorkerWaitInterval time.Duration
	// ProtocolVersion is Version1 (legacy) or Version2/Version2_2
	ProtocolVersion byte
	// MaxAcceptRate limits accepted connections per second, 0 is unlimited
	MaxAcceptRate float64
	// MaxConnections caps concurrently open accepted connections, 0 is unlimited.
	// Accepting pauses while the cap is reached.
	MaxConnections int
	// MaxMessageSize limits a single framed message, 0 is unlimited.
	// Defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	SocketConf
	TCPConf

	// TLSConfig switches the TCP connector to TLS when set
	TLSConfig *tls.Config
}

// ServerConfig holds all configuration parameters for an RPC server
type ServerConfig struct {
	// Endpoint is the address the transport listens on
	Endpoint string

	// CallbackEndpoint is the bisocket control endpoint, empty disables callbacks
	CallbackEndpoint string

	// MetricsEndpoint serves metrics in prometheus format, empty disables it
	MetricsEndpoint string

	Transport ServerTransportConfig

	// Logging configuration
	LogLevel string
}

// DefaultMaxMessageSize bounds the length prefix of a frame before its body
// is allocated
const DefaultMaxMessageSize = 64 << 20

// DefaultServerConfig returns a config with all transport defaults set
func DefaultServerConfig(endpoint string) ServerConfig {
	return ServerConfig{
		Endpoint: endpoint,
		Transport: ServerTransportConfig{
			AcceptThreads:       1,
			Backlog:             200,
			MaxPoolSize:         300,
			SocketTimeout:       60 * time.Second,
			EvictionGracePeriod: 10 * time.Second,
			WorkerWaitInterval:  time.Second,
			MaxMessageSize:      DefaultMaxMessageSize,
			ProtocolVersion:     Version2,
			TCPConf: TCPConf{
				TCPNoDelay:      true,
				TCPKeepAliveSec: 30,
				TCPLingerSec:    -1,
			},
		},
		LogLevel: "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	t := c.Transport

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Callback Endpoint", orNone(c.CallbackEndpoint))
	addField("Metrics Endpoint", orNone(c.MetricsEndpoint))

	addSection("Worker Pool")
	addField("Accept Threads", strconv.Itoa(t.AcceptThreads))
	addField("Backlog", strconv.Itoa(t.Backlog))
	addField("Max Pool Size", strconv.Itoa(t.MaxPoolSize))
	addField("Socket Timeout", t.SocketTimeout.String())
	addField("Idle Timeout", t.IdleTimeout.String())
	addField("Check Connection", strconv.FormatBool(t.CheckConnection))
	addField("Continue On Timeout", strconv.FormatBool(t.ContinueAfterTimeout))
	addField("Eviction Grace", t.EvictionGracePeriod.String())
	addField("Protocol Version", strconv.Itoa(int(t.ProtocolVersion)))
	addField("Max Accept Rate", formatRate(t.MaxAcceptRate))
	addField("Max Connections", strconv.Itoa(t.MaxConnections))
	addField("TLS", strconv.FormatBool(t.TLSConfig != nil))

	addSocketSection(addSection, addField, t.SocketConf, t.TCPConf)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig configures the connection pools and the retry loop
type ClientTransportConfig struct {
	// Endpoints are used round-robin, one connection pool per endpoint
	Endpoints []string
	// RetryCount is the number of attempts per invocation
	RetryCount int
	// RetryBackoff is the initial backoff between attempts, doubled with jitter
	RetryBackoff time.Duration
	// FlushPoolAtRemaining flushes the idle connections when exactly this many attempts remain
	FlushPoolAtRemaining int
	// MaxPoolSize caps the connections per server address
	MaxPoolSize int
	// PoolWaitTimeout bounds the wait for a free connection
	PoolWaitTimeout time.Duration
	// ConnectTimeout bounds a single dial
	ConnectTimeout time.Duration
	// SocketTimeout is the read/write timeout of pooled sockets, 0 disables it
	SocketTimeout time.Duration
	// InvocationTimeout is the default time budget, 0 means no budget
	InvocationTimeout time.Duration
	// OnewayAckTimeout waits this long for the server to acknowledge oneway invocations, 0 disables it
	OnewayAckTimeout time.Duration
	// CheckConnection probes pooled connections before reuse
	CheckConnection bool
	// ProtocolVersion is Version1 (legacy) or Version2/Version2_2
	ProtocolVersion byte
	// GeneralizeSocketErrors treats errors whose message matches RetriableErrorPattern as retriable
	GeneralizeSocketErrors bool
	RetriableErrorPattern  string
	// MaxMessageSize limits a single framed message, 0 is unlimited.
	// Defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	SocketConf
	TCPConf

	// TLSConfig switches the TCP connector to TLS when set
	TLSConfig *tls.Config
}

// ClientConfig holds all configuration parameters for an RPC client
type ClientConfig struct {
	Transport ClientTransportConfig
}

// DefaultRetriableErrorPattern matches socket errors worth a retry when
// GeneralizeSocketErrors is set
const DefaultRetriableErrorPattern = `(?i)(connection reset|broken pipe|connection closed|socket closed|use of closed network connection)`

// DefaultClientConfig returns a config with all transport defaults set
func DefaultClientConfig(endpoints ...string) ClientConfig {
	return ClientConfig{
		Transport: ClientTransportConfig{
			Endpoints:             endpoints,
			RetryCount:            3,
			RetryBackoff:          50 * time.Millisecond,
			FlushPoolAtRemaining:  2,
			MaxPoolSize:           50,
			PoolWaitTimeout:       30 * time.Second,
			ConnectTimeout:        5 * time.Second,
			SocketTimeout:         60 * time.Second,
			ProtocolVersion:       Version2,
			RetriableErrorPattern: DefaultRetriableErrorPattern,
			MaxMessageSize:        DefaultMaxMessageSize,
			TCPConf: TCPConf{
				TCPNoDelay:      true,
				TCPKeepAliveSec: 30,
				TCPLingerSec:    -1,
			},
		},
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	t := c.Transport

	// General Client Settings
	addSection("Client Configuration")
	addField("Retry Count", strconv.Itoa(t.RetryCount))
	addField("Retry Backoff", t.RetryBackoff.String())
	addField("Max Pool Size", strconv.Itoa(t.MaxPoolSize))
	addField("Pool Wait Timeout", t.PoolWaitTimeout.String())
	addField("Connect Timeout", t.ConnectTimeout.String())
	addField("Socket Timeout", t.SocketTimeout.String())
	addField("Invocation Timeout", t.InvocationTimeout.String())
	addField("Oneway Ack Timeout", t.OnewayAckTimeout.String())
	addField("Check Connection", strconv.FormatBool(t.CheckConnection))
	addField("Protocol Version", strconv.Itoa(int(t.ProtocolVersion)))
	addField("TLS", strconv.FormatBool(t.TLSConfig != nil))

	addSocketSection(addSection, addField, t.SocketConf, t.TCPConf)

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range t.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func addSocketSection(addSection func(string), addField func(string, string), s SocketConf, tcp TCPConf) {
	addSection("Socket Options")
	addField("TCP No Delay", strconv.FormatBool(tcp.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", tcp.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", tcp.TCPLingerSec))
	addField("Read Buffer", fmt.Sprintf("%d bytes", s.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", s.WriteBufferSize))
	addField("Traffic Class", strconv.Itoa(s.TrafficClass))
	addField("Reuse Address", strconv.FormatBool(s.ReuseAddress))
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatRate(r float64) string {
	if r <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.1f/sec", r)
}
