package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/dLink/cmd/client"
	"github.com/ValentinKolb/dLink/cmd/serve"
	"github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dlink",
		Short: "reliable peer to peer messaging",
		Long: fmt.Sprintf(`dLink (v%s)

A reliable messaging layer written in Go. Peers exchange sequenced packets,
request/response calls and chunked streams over tcp, unix sockets or websockets.`, Version),
		PersistentPreRunE: setup,
		SilenceUsage:      true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dLink",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dLink v%s (protocol v%d)\n", Version, common.ProtocolVersion)
		},
	}
)

func init() {
	// run the root setup before the hooks of the subcommands
	cobra.EnableTraverseRunHooks = true
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.CallCmd)
	RootCmd.AddCommand(client.SendCmd)
	RootCmd.AddCommand(client.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString(fmt.Sprintf("serializer to use (%s)", strings.Join(serializer.Names, ", "))))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString(fmt.Sprintf("transport to use (%s)", strings.Join(util.Transports, ", "))))
	key = "identity"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("identity announced to other peers, defaults to <hostname>-<random>"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("level at which logs will be output (debug, info, warn, error)"))
}

// setup binds the global flags and initializes the loggers
func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
