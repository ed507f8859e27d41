package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ValentinKolb/dLink/lib/clock"
	"github.com/ValentinKolb/dLink/rpc/common"
)

// --------------------------------------------------------------------------
// Test network
// --------------------------------------------------------------------------

type senderFunc func(destination string, p *common.Packet) error

func (f senderFunc) SendPacket(destination string, p *common.Packet) error {
	return f(destination, p)
}

// network delivers packets synchronously between engines
type network struct {
	mu      sync.Mutex
	engines map[string]*Engine
	drop    func(p *common.Packet) bool
}

func (n *network) sender(from string) PacketSender {
	return senderFunc(func(destination string, p *common.Packet) error {
		n.mu.Lock()
		target, ok := n.engines[destination]
		drop := n.drop
		n.mu.Unlock()

		if !ok {
			return ErrRecipientNotFound
		}
		if drop != nil && drop(p) {
			return nil
		}
		target.HandlePacket(p, from)
		return nil
	})
}

func (n *network) setDrop(drop func(p *common.Packet) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

func dropRequests(p *common.Packet) bool {
	return p.PktType == common.PktTRpcRequest
}

func newTestConfig(identity string, clk clock.Clock) Config {
	return Config{EngineConfig: common.DefaultEngineConfig(identity), Clock: clk}
}

// newNetwork connects a caller "alice" with a callee "bob"
func newNetwork(t *testing.T) (*network, *Engine, *Engine, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1000, 0))
	n := &network{engines: map[string]*Engine{}}

	caller := New(newTestConfig("alice", clk), n.sender("alice"))
	callee := New(newTestConfig("bob", clk), n.sender("bob"))
	n.engines["alice"] = caller
	n.engines["bob"] = callee

	t.Cleanup(func() {
		_ = caller.Close()
		_ = callee.Close()
	})
	return n, caller, callee, clk
}

type callResult struct {
	payload string
	err     error
}

func callAsync(e *Engine, ctx context.Context, destination, method, payload string, timeout time.Duration) <-chan callResult {
	results := make(chan callResult, 1)
	go func() {
		payload, err := e.Call(ctx, destination, method, payload, timeout)
		results <- callResult{payload, err}
	}()
	return results
}

func waitResult(t *testing.T, results <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return callResult{}
	}
}

func assertCode(t *testing.T, err error, want *RpcError) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want code %d", err, want.Code)
	}
}

// --------------------------------------------------------------------------
// Calls
// --------------------------------------------------------------------------

func TestCallSuccess(t *testing.T) {
	_, caller, callee, _ := newNetwork(t)

	var got InvocationData
	callee.RegisterMethod("echo", func(_ context.Context, data InvocationData) (string, error) {
		got = data
		return "echo:" + data.Payload, nil
	})

	payload, err := caller.Call(context.Background(), "bob", "echo", "hi", 5*time.Second)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if payload != "echo:hi" {
		t.Errorf("payload = %q", payload)
	}
	if got.CallerIdentity != "alice" || got.Payload != "hi" || got.RequestID == "" {
		t.Errorf("unexpected invocation data: %+v", got)
	}
	if got.ResponseTimeout != 3*time.Second {
		t.Errorf("ResponseTimeout = %s, want 3s", got.ResponseTimeout)
	}
	if caller.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", caller.PendingCount())
	}
}

func TestDefaultTimeout(t *testing.T) {
	_, caller, callee, _ := newNetwork(t)

	var got time.Duration
	callee.RegisterMethod("m", func(_ context.Context, data InvocationData) (string, error) {
		got = data.ResponseTimeout
		return "", nil
	})
	if _, err := caller.Call(context.Background(), "bob", "m", "", 0); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got != 8*time.Second {
		t.Errorf("ResponseTimeout = %s, want 8s", got)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	_, caller, _, _ := newNetwork(t)

	_, err := caller.Call(context.Background(), "bob", "missing", "", time.Second*5)
	assertCode(t, err, ErrUnsupportedMethod)

	var rpcErr *RpcError
	if errors.As(err, &rpcErr) && rpcErr.Message != "Method not supported at destination" {
		t.Errorf("message = %q", rpcErr.Message)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	var sent []*common.Packet
	e := New(newTestConfig("bob", clock.Fake(time.Unix(0, 0))), senderFunc(func(_ string, p *common.Packet) error {
		sent = append(sent, p)
		return nil
	}))
	e.RegisterMethod("m", func(context.Context, InvocationData) (string, error) { return "", nil })

	e.HandlePacket(common.NewRpcRequest("r1", "m", "", 1000, 2), "alice")

	if len(sent) != 2 {
		t.Fatalf("sent %d packets, want 2", len(sent))
	}
	if sent[0].PktType != common.PktTRpcAck || sent[0].RequestID != "r1" {
		t.Errorf("first packet = %s, want ack", sent[0])
	}
	if sent[1].PktType != common.PktTRpcError || sent[1].ErrCode != CodeUnsupportedVersion {
		t.Errorf("second packet = %s, want unsupported version", sent[1])
	}
	if sent[1].Destinations[0] != "alice" || sent[1].Sender != "bob" {
		t.Errorf("reply not addressed to caller: %s", sent[1])
	}
}

func TestRequestPayloadTooLarge(t *testing.T) {
	sends := 0
	e := New(newTestConfig("alice", clock.Fake(time.Unix(0, 0))), senderFunc(func(string, *common.Packet) error {
		sends++
		return nil
	}))

	_, err := e.Call(context.Background(), "bob", "m", strings.Repeat("x", MaxDataBytes+1), time.Second)
	assertCode(t, err, ErrRequestPayloadTooLarge)
	if sends != 0 || e.PendingCount() != 0 {
		t.Errorf("sends = %d, pending = %d", sends, e.PendingCount())
	}
}

func TestRecipientNotFound(t *testing.T) {
	_, caller, _, _ := newNetwork(t)

	_, err := caller.Call(context.Background(), "nobody", "m", "", time.Second*5)
	assertCode(t, err, ErrRecipientNotFound)
	if caller.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", caller.PendingCount())
	}
}

func TestSendFailed(t *testing.T) {
	e := New(newTestConfig("alice", clock.Fake(time.Unix(0, 0))), senderFunc(func(string, *common.Packet) error {
		return errors.New("link down")
	}))

	_, err := e.Call(context.Background(), "bob", "m", "", time.Second*5)
	assertCode(t, err, ErrSendFailed)
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) && rpcErr.Data != "link down" {
		t.Errorf("data = %q", rpcErr.Data)
	}
}

// --------------------------------------------------------------------------
// Timeouts
// --------------------------------------------------------------------------

func TestConnectionTimeout(t *testing.T) {
	n, caller, _, clk := newNetwork(t)
	n.setDrop(dropRequests)

	results := callAsync(caller, context.Background(), "bob", "m", "", 10*time.Second)
	clk.WaitForTimers(2)
	clk.Advance(2 * time.Second)

	assertCode(t, waitResult(t, results).err, ErrConnectionTimeout)
	if caller.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", caller.PendingCount())
	}
	if clk.PendingCount() != 0 {
		t.Errorf("%d timers still armed", clk.PendingCount())
	}
}

func TestResponseTimeoutAndLateResponse(t *testing.T) {
	_, caller, callee, clk := newNetwork(t)

	started := make(chan struct{})
	release := make(chan struct{})
	handled := make(chan struct{})
	callee.RegisterMethod("slow", func(context.Context, InvocationData) (string, error) {
		close(started)
		<-release
		defer close(handled)
		return "late", nil
	})

	results := callAsync(caller, context.Background(), "bob", "slow", "", 5*time.Second)
	<-started

	// the ack arrived, so crossing the ack deadline changes nothing
	clk.Advance(2 * time.Second)
	select {
	case r := <-results:
		t.Fatalf("call returned early: %+v", r)
	default:
	}

	clk.Advance(3 * time.Second)
	assertCode(t, waitResult(t, results).err, ErrResponseTimeout)

	close(release)
	<-handled
	if caller.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", caller.PendingCount())
	}
}

func TestContextCancel(t *testing.T) {
	n, caller, _, clk := newNetwork(t)
	n.setDrop(dropRequests)

	ctx, cancel := context.WithCancel(context.Background())
	results := callAsync(caller, ctx, "bob", "m", "", 10*time.Second)
	clk.WaitForTimers(2)
	cancel()

	if err := waitResult(t, results).err; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if caller.PendingCount() != 0 || clk.PendingCount() != 0 {
		t.Errorf("pending = %d, timers = %d", caller.PendingCount(), clk.PendingCount())
	}
}

// --------------------------------------------------------------------------
// Handler side
// --------------------------------------------------------------------------

func TestHandlerErrors(t *testing.T) {
	_, caller, callee, _ := newNetwork(t)

	callee.RegisterMethod("plain", func(context.Context, InvocationData) (string, error) {
		return "", errors.New("something broke")
	})
	callee.RegisterMethod("panic", func(context.Context, InvocationData) (string, error) {
		panic("boom")
	})
	callee.RegisterMethod("custom", func(context.Context, InvocationData) (string, error) {
		return "", NewError(42, "custom failure", "details")
	})
	callee.RegisterMethod("big", func(context.Context, InvocationData) (string, error) {
		return strings.Repeat("x", MaxDataBytes+1), nil
	})

	tests := []struct {
		method string
		want   *RpcError
	}{
		{"plain", ErrApplicationError},
		{"panic", ErrApplicationError},
		{"custom", &RpcError{Code: 42}},
		{"big", ErrResponsePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := caller.Call(context.Background(), "bob", tt.method, "", 5*time.Second)
			assertCode(t, err, tt.want)
		})
	}

	_, err := caller.Call(context.Background(), "bob", "custom", "", 5*time.Second)
	var rpcErr *RpcError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "custom failure" || rpcErr.Data != "details" {
		t.Errorf("custom error not passed through: %v", err)
	}
}

func TestRegisterMethodOverwrites(t *testing.T) {
	_, caller, callee, _ := newNetwork(t)

	callee.RegisterMethod("m", func(context.Context, InvocationData) (string, error) { return "first", nil })
	callee.RegisterMethod("m", func(context.Context, InvocationData) (string, error) { return "second", nil })

	payload, err := caller.Call(context.Background(), "bob", "m", "", 5*time.Second)
	if err != nil || payload != "second" {
		t.Errorf("Call() = %q, %v", payload, err)
	}

	callee.UnregisterMethod("m")
	_, err = caller.Call(context.Background(), "bob", "m", "", 5*time.Second)
	assertCode(t, err, ErrUnsupportedMethod)
}

func TestReplyFromWrongIdentityIsDropped(t *testing.T) {
	_, caller, callee, clk := newNetwork(t)

	started := make(chan InvocationData, 1)
	release := make(chan struct{})
	callee.RegisterMethod("m", func(_ context.Context, data InvocationData) (string, error) {
		started <- data
		<-release
		return "ok", nil
	})
	defer close(release)

	results := callAsync(caller, context.Background(), "bob", "m", "", 5*time.Second)
	data := <-started

	caller.HandlePacket(common.NewRpcResponse(data.RequestID, "spoofed"), "mallory")
	if caller.PendingCount() != 1 {
		t.Fatalf("spoofed response resolved the call")
	}

	clk.Advance(5 * time.Second)
	assertCode(t, waitResult(t, results).err, ErrResponseTimeout)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestParticipantDisconnected(t *testing.T) {
	n, caller, _, clk := newNetwork(t)
	n.setDrop(dropRequests)

	results := callAsync(caller, context.Background(), "bob", "m", "", 10*time.Second)
	clk.WaitForTimers(2)

	if n := caller.HandleParticipantDisconnected("carol"); n != 0 {
		t.Errorf("disconnect of carol resolved %d calls", n)
	}
	if n := caller.HandleParticipantDisconnected("bob"); n != 1 {
		t.Errorf("disconnect of bob resolved %d calls, want 1", n)
	}
	assertCode(t, waitResult(t, results).err, ErrRecipientDisconnected)
}

func TestClose(t *testing.T) {
	n, caller, _, clk := newNetwork(t)
	n.setDrop(dropRequests)

	results := callAsync(caller, context.Background(), "bob", "m", "", 10*time.Second)
	clk.WaitForTimers(2)

	if err := caller.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	assertCode(t, waitResult(t, results).err, ErrRecipientDisconnected)

	_, err := caller.Call(context.Background(), "bob", "m", "", time.Second)
	assertCode(t, err, ErrSendFailed)
}

func TestSweep(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	config := newTestConfig("alice", clk)
	config.PendingTTL = time.Second
	config.MaxRoundTripLatency = 5 * time.Second
	e := New(config, senderFunc(func(string, *common.Packet) error { return nil }))

	results := callAsync(e, context.Background(), "bob", "m", "", 10*time.Second)
	clk.WaitForTimers(2)

	// a live call outlives PendingTTL until its own deadline
	clk.Advance(time.Second)
	if n := e.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	if e.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", e.PendingCount())
	}

	clk.Advance(4 * time.Second)
	assertCode(t, waitResult(t, results).err, ErrConnectionTimeout)

	// entries nobody resolves are evicted after PendingTTL
	e.pending.Set("leaked", &pendingCall{id: "leaked", destination: "bob", result: make(chan outcome, 1)})
	clk.Advance(time.Second)
	if n := e.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}

func TestResponseTimeoutAtDeadline(t *testing.T) {
	_, caller, callee, clk := newNetwork(t)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	callee.RegisterMethod("slow", func(context.Context, InvocationData) (string, error) {
		close(started)
		<-release
		return "", nil
	})

	timeout := 5 * time.Second
	results := callAsync(caller, context.Background(), "bob", "slow", "", timeout)
	<-started

	clk.Advance(timeout - time.Nanosecond)
	if caller.PendingCount() != 1 {
		t.Fatalf("call resolved before its deadline, PendingCount() = %d", caller.PendingCount())
	}
	select {
	case r := <-results:
		t.Fatalf("call returned before its deadline: %+v", r)
	default:
	}

	clk.Advance(time.Nanosecond)
	assertCode(t, waitResult(t, results).err, ErrResponseTimeout)
}

func TestResponseAfterPendingTTL(t *testing.T) {
	_, caller, callee, clk := newNetwork(t)

	started := make(chan struct{})
	release := make(chan struct{})
	callee.RegisterMethod("slow", func(context.Context, InvocationData) (string, error) {
		close(started)
		<-release
		return "done", nil
	})

	results := callAsync(caller, context.Background(), "bob", "slow", "", 90*time.Second)
	<-started

	// past the 60s PendingTTL but before the 90s deadline
	clk.Advance(70 * time.Second)
	close(release)

	r := waitResult(t, results)
	if r.err != nil {
		t.Fatalf("Call() error: %v", r.err)
	}
	if r.payload != "done" {
		t.Errorf("payload = %q, want done", r.payload)
	}
}

func TestDisconnectAfterPendingTTL(t *testing.T) {
	_, caller, callee, clk := newNetwork(t)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	callee.RegisterMethod("slow", func(context.Context, InvocationData) (string, error) {
		close(started)
		<-release
		return "", nil
	})

	results := callAsync(caller, context.Background(), "bob", "slow", "", 90*time.Second)
	<-started

	clk.Advance(70 * time.Second)
	if n := caller.HandleParticipantDisconnected("bob"); n != 1 {
		t.Errorf("HandleParticipantDisconnected() = %d, want 1", n)
	}
	assertCode(t, waitResult(t, results).err, ErrRecipientDisconnected)
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

func TestRpcErrorTruncation(t *testing.T) {
	err := NewError(1, strings.Repeat("€", 100), strings.Repeat("ü", MaxDataBytes))

	if len(err.Message) != 255 || !utf8.ValidString(err.Message) {
		t.Errorf("message truncated to %d bytes", len(err.Message))
	}
	if len(err.Data) != MaxDataBytes || !utf8.ValidString(err.Data) {
		t.Errorf("data truncated to %d bytes", len(err.Data))
	}

	short := NewError(2, "fine", "")
	if short.Message != "fine" {
		t.Errorf("short message changed: %q", short.Message)
	}
}

func TestBuiltinMessages(t *testing.T) {
	tests := map[int]string{
		CodeApplicationError:        "Application error in method handler",
		CodeConnectionTimeout:       "Connection timeout",
		CodeResponseTimeout:         "Response timeout",
		CodeRecipientDisconnected:   "Recipient disconnected",
		CodeResponsePayloadTooLarge: "Response payload too large",
		CodeSendFailed:              "Failed to send",
		CodeUnsupportedMethod:       "Method not supported at destination",
		CodeRecipientNotFound:       "Recipient not found",
		CodeRequestPayloadTooLarge:  "Request payload too large",
		CodeUnsupportedServer:       "RPC not supported by server",
		CodeUnsupportedVersion:      "Unsupported RPC version",
	}
	for code, message := range tests {
		if got := Builtin(code, "").Message; got != message {
			t.Errorf("Builtin(%d).Message = %q, want %q", code, got, message)
		}
	}
}

func TestRpcErrorIs(t *testing.T) {
	err := Builtin(CodeResponseTimeout, "x")
	if !errors.Is(err, ErrResponseTimeout) {
		t.Error("error does not match its code")
	}
	if errors.Is(err, ErrConnectionTimeout) {
		t.Error("error matches a different code")
	}

	p := err.toPacket("r1")
	back := fromPacket(p)
	if back.Code != err.Code || back.Message != err.Message || back.Data != err.Data {
		t.Errorf("packet conversion lost data: %+v", back)
	}
}
