package serve

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/sockrpc/cmd/util"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

var (
	serveCmdConfig = common.DefaultServerConfig("")
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the sockrpc server",
		Long:    `Start the sockrpc server with the specified configuration. The server answers the echo subsystem and, if a callback endpoint is set, forwards the callback subsystem to connected listeners. The configuration can be set via command line flags or environment variables. The format of the environment variables is SOCKRPC_<flag> (e.g. SOCKRPC_POOL_SIZE=500)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	d := serveCmdConfig.Transport

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the server will listen (e.g. localhost:8080, /tmp/sockrpc.sock, ...)"))

	key = "callback-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address on which callback listeners connect (empty disables callbacks)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address serving /metrics in prometheus format (empty disables it)"))

	key = "accept-threads"
	ServeCmd.PersistentFlags().Int(key, d.AcceptThreads, cmdUtil.WrapString("Number of goroutines accepting connections"))

	key = "backlog"
	ServeCmd.PersistentFlags().Int(key, d.Backlog, cmdUtil.WrapString("Requested accept backlog (informational, Go uses the system maximum)"))

	key = "pool-size"
	ServeCmd.PersistentFlags().Int(key, d.MaxPoolSize, cmdUtil.WrapString("Maximum number of live workers. When exhausted the least recently used idle worker is evicted"))

	key = "socket-timeout"
	ServeCmd.PersistentFlags().Duration(key, d.SocketTimeout, cmdUtil.WrapString("Read/write timeout of accepted sockets (0 disables it)"))

	key = "idle-timeout"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Close workers without a request for this long (0 disables the reaper)"))

	key = "idle-check-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("How often the reaper runs (defaults to half the idle timeout)"))

	key = "eviction-grace"
	ServeCmd.PersistentFlags().Duration(key, d.EvictionGracePeriod, cmdUtil.WrapString("Workers that have not served an invocation yet are not evicted for this long"))

	key = "worker-wait"
	ServeCmd.PersistentFlags().Duration(key, d.WorkerWaitInterval, cmdUtil.WrapString("How long a new connection waits for a worker when none can be evicted"))

	key = "check-connection"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Answer the liveness probe of clients. Must match the client setting"))

	key = "continue-after-timeout"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Keep a worker serving after a read timeout"))

	key = "protocol"
	ServeCmd.PersistentFlags().Int(key, int(common.Version2), cmdUtil.WrapString("Protocol version (1 = legacy without version byte, 2, 22)"))

	key = "max-accept-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Maximum accepted connections per second (0 is unlimited)"))

	key = "max-connections"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum number of open client connections, further connections wait in the backlog (0 is unlimited)"))

	key = "max-message-size"
	ServeCmd.PersistentFlags().Int(key, d.MaxMessageSize, cmdUtil.WrapString("Maximum size of a single message in bytes (0 is unlimited)"))

	key = "reuse-address"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Set SO_REUSEADDR on the listening socket"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, d.TCPKeepAliveSec, cmdUtil.WrapString("The keepalive interval (in seconds, tcp only, 0 disables it)"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, d.TCPLingerSec, cmdUtil.WrapString("The linger time (in seconds, tcp only, -1 keeps the OS default)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.CallbackEndpoint = viper.GetString("callback-endpoint")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	t := &serveCmdConfig.Transport
	t.AcceptThreads = viper.GetInt("accept-threads")
	t.Backlog = viper.GetInt("backlog")
	t.MaxPoolSize = viper.GetInt("pool-size")
	t.SocketTimeout = viper.GetDuration("socket-timeout")
	t.IdleTimeout = viper.GetDuration("idle-timeout")
	t.IdleCheckInterval = viper.GetDuration("idle-check-interval")
	t.EvictionGracePeriod = viper.GetDuration("eviction-grace")
	t.WorkerWaitInterval = viper.GetDuration("worker-wait")
	t.CheckConnection = viper.GetBool("check-connection")
	t.ContinueAfterTimeout = viper.GetBool("continue-after-timeout")
	t.ProtocolVersion = byte(viper.GetInt("protocol"))
	t.MaxAcceptRate = viper.GetFloat64("max-accept-rate")
	t.MaxConnections = viper.GetInt("max-connections")
	t.MaxMessageSize = viper.GetInt("max-message-size")
	t.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
		ReuseAddress:    viper.GetBool("reuse-address"),
	}
	t.TCPConf = common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}

	// validate
	if serveCmdConfig.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if t.MaxPoolSize < 1 {
		return fmt.Errorf("pool-size must be at least 1, got %d", t.MaxPoolSize)
	}
	if t.AcceptThreads < 1 {
		return fmt.Errorf("accept-threads must be at least 1, got %d", t.AcceptThreads)
	}
	if t.IdleTimeout < 0 || t.IdleCheckInterval < 0 {
		return fmt.Errorf("idle timeouts must not be negative")
	}
	if t.IdleTimeout > 0 && t.IdleCheckInterval > t.IdleTimeout {
		return fmt.Errorf("idle-check-interval (%s) must not exceed idle-timeout (%s)", t.IdleCheckInterval, t.IdleTimeout)
	}
	if t.SocketTimeout > 0 && t.SocketTimeout < 10*time.Millisecond {
		return fmt.Errorf("socket-timeout %s is too small", t.SocketTimeout)
	}

	return nil
}

// run starts the sockrpc server
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport(s)
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(
		serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}

// initConfig reads in ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(cmdUtil.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
