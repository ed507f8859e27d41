package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dLink/rpc/stream"
	"github.com/spf13/cobra"
)

var (
	sendTextCmd = &cobra.Command{
		Use:   "text [text]",
		Short: "Sends text as a stream (printed by serve on the chat topic)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := streamOptions(cmd, "chat")
			if err := clientPeer.SendText(args[0], opts); err != nil {
				return err
			}
			fmt.Printf("sent %d bytes to %s\n", len(args[0]), opts.Destinations[0])
			return nil
		},
	}
	sendFileCmd = &cobra.Command{
		Use:   "file [path]",
		Short: "Sends a file as a stream (saved by serve on the files topic)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := streamOptions(cmd, "files")
			start := time.Now()
			if err := clientPeer.SendFile(args[0], opts); err != nil {
				return err
			}
			fmt.Printf("sent %s to %s in %s\n", args[0], opts.Destinations[0], time.Since(start))
			return nil
		},
	}
)

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	payload := ""
	if len(args) > 1 {
		payload = args[1]
	}
	seconds, _ := cmd.Flags().GetInt("rpc-timeout")

	reply, err := clientPeer.PerformRpc(context.Background(), destination(cmd), method, payload, time.Duration(seconds)*time.Second)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func streamOptions(cmd *cobra.Command, defaultTopic string) stream.Options {
	topic, _ := cmd.Flags().GetString("topic")
	if topic == "" {
		topic = defaultTopic
	}
	compression, _ := cmd.Flags().GetString("compression")
	return stream.Options{
		Topic:        topic,
		Destinations: []string{destination(cmd)},
		Compression:  compression,
	}
}
