/*
Package engine implements request/response rpc on top of a packet transport.

A Call sends an RpcRequest and waits for three possible events: the ack of the
handler side, the response (or error) and the deadlines. The ack must arrive
within MaxRoundTripLatency, otherwise the call fails with CONNECTION_TIMEOUT.
The response must arrive within the call timeout, otherwise it fails with
RESPONSE_TIMEOUT. Timers, responses, disconnects and cancellation race for the
outcome of a call, the first one wins and everything later is dropped.

On the handler side a request is acked immediately, then dispatched to the
handler registered for its method on a separate goroutine.

Errors are *RpcError values with the built-in codes listed in errors.go or
codes chosen by the handler. They match with errors.Is on their code:

	_, err := e.Call(ctx, "bob", "greet", "hi", 5*time.Second)
	if errors.Is(err, engine.ErrResponseTimeout) {
		...
	}
*/
package engine
