package util

import (
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/serializer"
	"github.com/ValentinKolb/sockrpc/rpc/transport"
	"github.com/ValentinKolb/sockrpc/rpc/transport/tcp"
	"github.com/ValentinKolb/sockrpc/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the CLI
	EnvPrefix = "sockrpc"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	d := common.DefaultClientConfig()

	key := "timeout"
	cmd.PersistentFlags().Duration(key, 10*time.Second, WrapString("Time budget of a single invocation including all retries (0 disables it)"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("The address of the sockrpc server. Multiple endpoints can be specified as a comma-separated list and are used round-robin"))

	key = "transport-pool-size"
	cmd.PersistentFlags().Int(key, d.Transport.MaxPoolSize, WrapString("Maximum number of connections per endpoint"))

	key = "transport-pool-wait"
	cmd.PersistentFlags().Duration(key, d.Transport.PoolWaitTimeout, WrapString("How long to wait for a free connection when the pool is exhausted"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, d.Transport.RetryCount, WrapString("How many attempts to make per invocation"))

	key = "transport-retry-backoff"
	cmd.PersistentFlags().Duration(key, d.Transport.RetryBackoff, WrapString("Initial backoff between attempts, doubled with jitter"))

	key = "transport-connect-timeout"
	cmd.PersistentFlags().Duration(key, d.Transport.ConnectTimeout, WrapString("Timeout for establishing a connection"))

	key = "transport-socket-timeout"
	cmd.PersistentFlags().Duration(key, d.Transport.SocketTimeout, WrapString("Read/write timeout of pooled sockets (0 disables it)"))

	key = "transport-check-connection"
	cmd.PersistentFlags().Bool(key, false, WrapString("Probe pooled connections before reuse. Must match the server setting"))

	key = "transport-protocol"
	cmd.PersistentFlags().Int(key, int(common.Version2), WrapString("Protocol version (1 = legacy without version byte, 2, 22 = acknowledged oneway). Must match the server for version 1"))

	key = "transport-oneway-ack"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Wait this long for the server to acknowledge oneway invocations (requires protocol 22, 0 disables it)"))

	key = "transport-max-message-size"
	cmd.PersistentFlags().Int(key, d.Transport.MaxMessageSize, WrapString("Maximum size of a single response in bytes (0 is unlimited)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 30, WrapString("The keepalive interval (in seconds, tcp only, 0 disables it)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, tcp only, -1 keeps the OS default)"))

	key = "transport-traffic-class"
	cmd.PersistentFlags().Int(key, 0, WrapString("IP_TOS value of outgoing connections (tcp only)"))

	SetupLogFlag(cmd)
}

// SetupLogFlag adds the log level flag to a client command
func SetupLogFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() common.ClientConfig {
	conf := common.DefaultClientConfig(strings.Split(viper.GetString("transport-endpoints"), ",")...)

	conf.Transport.InvocationTimeout = viper.GetDuration("timeout")
	conf.Transport.MaxPoolSize = viper.GetInt("transport-pool-size")
	conf.Transport.PoolWaitTimeout = viper.GetDuration("transport-pool-wait")
	conf.Transport.RetryCount = viper.GetInt("transport-retries")
	conf.Transport.RetryBackoff = viper.GetDuration("transport-retry-backoff")
	conf.Transport.ConnectTimeout = viper.GetDuration("transport-connect-timeout")
	conf.Transport.SocketTimeout = viper.GetDuration("transport-socket-timeout")
	conf.Transport.CheckConnection = viper.GetBool("transport-check-connection")
	conf.Transport.ProtocolVersion = byte(viper.GetInt("transport-protocol"))
	conf.Transport.OnewayAckTimeout = viper.GetDuration("transport-oneway-ack")
	conf.Transport.MaxMessageSize = viper.GetInt("transport-max-message-size")
	conf.Transport.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		TrafficClass:    viper.GetInt("transport-traffic-class"),
	}
	conf.Transport.TCPConf = common.TCPConf{
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
	}

	return conf
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	s, ok := serializer.ByName(viper.GetString("serializer"))
	if !ok {
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
	return s, nil
}

// GetTransport creates a client transport based on configuration
func GetTransport(s serializer.IRPCSerializer) (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(s), nil
	case "unix":
		return unix.NewUnixClientTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates a server transport based on configuration
func GetServerTransport(s serializer.IRPCSerializer) (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(s), nil
	case "unix":
		return unix.NewUnixServerTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// ParseMeta parses a comma-separated list of key=value pairs
func ParseMeta(raw string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid meta entry %q (expected key=value)", pair)
		}
		meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return meta, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
