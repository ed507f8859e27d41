// Package testing provides a standardised test suite for implementations of
// transport.IChannel.
//
// Example usage:
//
//	// Creating a factory that returns two connected, not yet started channels
//	factory := func(t *testing.T) (transport.IChannel, transport.IChannel) {
//		return newConnectedPair(t)
//	}
//
//	// Running the standard test suite
//	transporttesting.RunChannelTests(t, "MyTransport", factory)
package testing
