package cmd

import (
	"fmt"
	"github.com/ValentinKolb/sockrpc/cmd/invoke"
	"github.com/ValentinKolb/sockrpc/cmd/serve"
	"github.com/ValentinKolb/sockrpc/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "sockrpc",
		Short: "socket transport for RPC",
		Long: fmt.Sprintf(`sockrpc (v%s)

A pooled socket transport for RPC written in Go. Clients keep bounded
connection pools per endpoint and retry within a time budget, servers
serve every connection with a reusable worker from an LRU evicted pool.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sockrpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sockrpc v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(invoke.InvokeCmd)
	RootCmd.AddCommand(invoke.PerfCmd)
	RootCmd.AddCommand(invoke.CallbackCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
