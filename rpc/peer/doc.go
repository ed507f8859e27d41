/*
Package peer joins the building blocks of the messaging layer into one node.

A Peer attaches sessions to transport channels and routes every inbound
packet by type: rpc packets go to the engine, stream packets to the incoming
stream manager and data packets to the OnData handler. Outbound packets are
sent to the sessions named in their destination list, an empty list fans out
to every connected peer.

When a session disconnects, its pending calls fail with RECIPIENT_DISCONNECTED
and its incoming streams end abnormally.

Example:

	alice := peer.New(common.DefaultPeerConfig("alice"), serializer.NewBinarySerializer())
	defer alice.Close()

	if _, err := alice.Attach(ctx, channel); err != nil {
		return err
	}
	reply, err := alice.PerformRpc(ctx, "bob", "echo", "hello", 0)
*/
package peer
