package client

import (
	cmdUtil "github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/peer"
	"github.com/spf13/cobra"
)

var (
	clientPeer *peer.Peer
	// remoteIdentity is the identity announced by the peer we connected to
	remoteIdentity string

	// CallCmd performs a single rpc call
	CallCmd = &cobra.Command{
		Use:                "call [method] [payload]",
		Short:              "Call a method on a remote peer",
		Args:               cobra.RangeArgs(1, 2),
		PersistentPreRunE:  connect,
		PersistentPostRunE: disconnect,
		RunE:               runCall,
	}

	// SendCmd groups the stream commands
	SendCmd = &cobra.Command{
		Use:                "send",
		Short:              "Send text or files to a remote peer",
		PersistentPreRunE:  connect,
		PersistentPostRunE: disconnect,
	}

	// PerfCmd runs the rpc load test
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dLink peers",
		PreRunE: processPerfConfig,
		RunE:    runPerf,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{CallCmd, SendCmd, PerfCmd} {
		cmdUtil.SetupTransportFlags(cmd, "localhost:7000")
		cmd.PersistentFlags().String("destination", "", cmdUtil.WrapString("Identity of the target peer, defaults to the peer we connect to"))
	}

	CallCmd.Flags().Int("rpc-timeout", 0, cmdUtil.WrapString("Timeout of the call in seconds, 0 uses the default of 10 seconds"))

	SendCmd.PersistentFlags().String("topic", "", cmdUtil.WrapString("Topic of the stream, defaults to chat for text and files for files"))
	SendCmd.PersistentFlags().String("compression", "", cmdUtil.WrapString("Chunk compression (none, lz4, zstd)"))
	SendCmd.AddCommand(sendTextCmd)
	SendCmd.AddCommand(sendFileCmd)
}

// connect creates the local peer and attaches it to the configured endpoint
func connect(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	clientPeer = peer.New(cmdUtil.GetPeerConfig(), ser)
	remoteIdentity, err = cmdUtil.Connect(cmd.Context(), clientPeer, cmdUtil.GetTransportConfig())
	if err != nil {
		_ = clientPeer.Close()
		return err
	}
	cmdUtil.Logger.Debugf("connected to %q as %q", remoteIdentity, clientPeer.Identity())
	return nil
}

func disconnect(_ *cobra.Command, _ []string) error {
	if clientPeer == nil {
		return nil
	}
	return clientPeer.Close()
}

// destination returns the --destination flag or the connected peer
func destination(cmd *cobra.Command) string {
	if d, _ := cmd.Flags().GetString("destination"); d != "" {
		return d
	}
	return remoteIdentity
}
