package invoke

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sockrpc/cmd/util"
	"github.com/ValentinKolb/sockrpc/rpc/client"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.RPCClient

	// InvokeCmd sends a single invocation and prints the response
	InvokeCmd = &cobra.Command{
		Use:     "invoke <subsystem> <payload>",
		Short:   "Invoke a subsystem of a sockrpc server",
		Long:    `Invoke a subsystem of a sockrpc server and print the response payload. Meta values are passed as comma-separated key=value pairs (e.g. --meta timeout=500,delay=100ms)`,
		Args:    cobra.ExactArgs(2),
		PreRunE: setupClient,
		RunE:    runInvoke,
		PostRun: closeClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	util.SetupRPCClientFlags(InvokeCmd)

	key := "meta"
	InvokeCmd.Flags().String(key, "", util.WrapString("Comma-separated key=value pairs sent as invocation meta"))
	key = "oneway"
	InvokeCmd.Flags().Bool(key, false, util.WrapString("Send a oneway invocation and do not wait for a response"))
}

// setupClient initializes the RPC client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport(s)
	if err != nil {
		return err
	}

	rpcClient, err = client.NewRPCClient(util.GetClientConfig(), t)
	return err
}

func closeClient(_ *cobra.Command, _ []string) {
	if rpcClient != nil {
		_ = rpcClient.Close()
	}
}

func runInvoke(_ *cobra.Command, args []string) error {
	meta, err := util.ParseMeta(viper.GetString("meta"))
	if err != nil {
		return err
	}

	subsystem, payload := args[0], []byte(args[1])

	if viper.GetBool("oneway") {
		if err := rpcClient.InvokeOneway(context.Background(), subsystem, payload, meta); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	}

	resp, err := rpcClient.Invoke(context.Background(), subsystem, payload, meta)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}
