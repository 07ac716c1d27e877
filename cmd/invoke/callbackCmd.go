package invoke

import (
	"fmt"
	"github.com/ValentinKolb/sockrpc/cmd/util"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/server"
	"github.com/ValentinKolb/sockrpc/rpc/transport/bisocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"syscall"
)

// CallbackCmd registers a callback listener and prints every callback it receives
var CallbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Listen for callbacks of a sockrpc server",
	Long: `Connect to the callback endpoint of a sockrpc server and print every callback received. The printed listener ID is passed as meta to the callback subsystem, e.g.:

  sockrpc invoke callback hello --meta listener=<id>`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return util.BindCommandFlags(cmd)
	},
	RunE: runCallback,
}

func init() {
	key := "callback-endpoint"
	CallbackCmd.Flags().String(key, "localhost:8081", util.WrapString("The callback endpoint of the sockrpc server"))
	key = "workers"
	CallbackCmd.Flags().Int(key, 16, util.WrapString("Maximum number of callbacks served concurrently"))
	key = "reply"
	CallbackCmd.Flags().String(key, "ack:", util.WrapString("Prefix prepended to the payload of every callback response"))
	util.SetupLogFlag(CallbackCmd)
	key = "ping-interval"
	CallbackCmd.Flags().Duration(key, bisocket.DefaultPingInterval, util.WrapString("How often the control connection is pinged"))
}

func runCallback(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	config := common.DefaultServerConfig("")
	config.Transport.MaxPoolSize = viper.GetInt("workers")

	reply := []byte(viper.GetString("reply"))
	listener := bisocket.NewCallbackClient(s, config, viper.GetDuration("ping-interval"))
	listener.RegisterHandler(func(req *common.Message) *common.Message {
		fmt.Printf("callback %s: %s\n", req.Subsystem, req.Payload)
		return common.NewResponse(append(append([]byte{}, reply...), req.Payload...), nil)
	})

	id, err := listener.Connect(viper.GetString("callback-endpoint"))
	if err != nil {
		return err
	}
	defer listener.Close()

	fmt.Printf("listening for callbacks as %s\n", id)
	fmt.Printf("invoke with: sockrpc invoke %s <payload> --meta %s=%s\n", server.SubsystemCallback, server.MetaListener, id)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		return nil
	case <-listener.Done():
		return fmt.Errorf("connection to %s lost", viper.GetString("callback-endpoint"))
	}
}
