package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLink/lib/clock"
	"github.com/ValentinKolb/dLink/lib/ttlmap"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("engine")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Config holds the engine limits and its time source
type Config struct {
	common.EngineConfig

	// Clock drives every timeout, nil uses clock.Real()
	Clock clock.Clock
}

// PacketSender delivers a packet to one remote identity
type PacketSender interface {
	SendPacket(destination string, p *common.Packet) error
}

// InvocationData is passed to a method handler
type InvocationData struct {
	RequestID       string
	CallerIdentity  string
	Payload         string
	ResponseTimeout time.Duration
}

// Handler implements one rpc method. Returning an *RpcError sends its code to
// the caller, any other error is reported as APPLICATION_ERROR.
type Handler func(ctx context.Context, data InvocationData) (string, error)

// outcome is the single result of a pending call
type outcome struct {
	payload string
	err     error
}

// pendingCall is one outstanding Call. done guards the outcome, exactly one
// resolve wins.
type pendingCall struct {
	id          string
	destination string
	method      string
	started     time.Time

	done   atomic.Bool
	acked  atomic.Bool
	result chan outcome // capacity 1, written by the winning resolve

	mu        sync.Mutex
	ackTimer  *clock.Timer
	respTimer *clock.Timer
}

func (c *pendingCall) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackTimer.Stop()
	c.respTimer.Stop()
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine correlates rpc requests with their acks and responses and runs the
// registered method handlers.
//
// Thread-safety: all methods may be called concurrently.
type Engine struct {
	config   Config
	clk      clock.Clock
	sender   PacketSender
	handlers *xsync.MapOf[string, Handler]
	pending  *ttlmap.Map[string, *pendingCall]

	// handlerCtx is cancelled on Close and is the parent of every handler context
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	closed atomic.Bool
}

// New creates an engine sending its packets through sender
func New(config Config, sender PacketSender) *Engine {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	defaults := common.DefaultEngineConfig(config.LocalIdentity)
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.MaxRoundTripLatency <= 0 {
		config.MaxRoundTripLatency = defaults.MaxRoundTripLatency
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = defaults.PendingTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:        config,
		clk:           clk,
		sender:        sender,
		handlers:      xsync.NewMapOf[string, Handler](),
		pending:       ttlmap.New[string, *pendingCall](config.PendingTTL, clk),
		handlerCtx:    ctx,
		handlerCancel: cancel,
	}
}

// RegisterMethod sets the handler of method, an existing handler is replaced
func (e *Engine) RegisterMethod(method string, handler Handler) {
	if _, loaded := e.handlers.LoadAndStore(method, handler); loaded {
		Logger.Warningf("replacing handler of rpc method %q", method)
	}
}

// UnregisterMethod removes the handler of method
func (e *Engine) UnregisterMethod(method string) {
	e.handlers.Delete(method)
}

// PendingCount returns the number of outstanding calls
func (e *Engine) PendingCount() int {
	return e.pending.Size()
}

// Sweep removes pending calls past their ttl and returns how many were removed. A
// call entry lives max(PendingTTL, timeout+MaxRoundTripLatency).
func (e *Engine) Sweep() int {
	removed := e.pending.Cleanup()
	if removed > 0 {
		Logger.Warningf("swept %d stale pending calls", removed)
	}
	return removed
}

// --------------------------------------------------------------------------
// Outbound calls
// --------------------------------------------------------------------------

// Call invokes method on destination and blocks until the response, a timeout,
// a disconnect or the cancellation of ctx. timeout <= 0 uses DefaultTimeout.
func (e *Engine) Call(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	metrics.GetOrCreateCounter("dlink_rpc_calls_total").Inc()

	if e.closed.Load() {
		return "", e.countError(Builtin(CodeSendFailed, "engine closed"))
	}
	if len(payload) > e.config.MaxPayloadBytes {
		return "", e.countError(Builtin(CodeRequestPayloadTooLarge, ""))
	}
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	call := &pendingCall{
		id:          uuid.NewString(),
		destination: destination,
		method:      method,
		started:     e.clk.Now(),
		result:      make(chan outcome, 1),
	}
	e.pending.SetWithTTL(call.id, call, max(e.config.PendingTTL, timeout+e.config.MaxRoundTripLatency))
	e.armTimers(call, timeout)

	responseTimeout := timeout - e.config.MaxRoundTripLatency
	if responseTimeout < 0 {
		responseTimeout = 0
	}
	request := common.NewRpcRequest(call.id, method, payload, uint64(responseTimeout.Milliseconds()), common.ProtocolVersion)
	request.Sender = e.config.LocalIdentity
	request.Destinations = []string{destination}

	Logger.Debugf("calling %s on %s (request %s)", method, destination, call.id)
	if err := e.sender.SendPacket(destination, request); err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			e.resolve(call, outcome{err: Builtin(CodeRecipientNotFound, destination)})
		} else {
			e.resolve(call, outcome{err: Builtin(CodeSendFailed, err.Error())})
		}
	}

	select {
	case out := <-call.result:
		return out.payload, out.err
	case <-ctx.Done():
		e.resolve(call, outcome{err: ctx.Err()})
		out := <-call.result
		return out.payload, out.err
	}
}

// armTimers starts the ack and response timers of call. AfterFunc is called
// without holding call.mu since a fake clock may fire synchronously.
func (e *Engine) armTimers(call *pendingCall, timeout time.Duration) {
	ackTimer := e.clk.AfterFunc(e.config.MaxRoundTripLatency, func() {
		if !call.acked.Load() {
			e.resolve(call, outcome{err: Builtin(CodeConnectionTimeout, "")})
		}
	})
	respTimer := e.clk.AfterFunc(timeout, func() {
		e.resolve(call, outcome{err: Builtin(CodeResponseTimeout, "")})
	})

	call.mu.Lock()
	call.ackTimer = ackTimer
	call.respTimer = respTimer
	call.mu.Unlock()

	if call.done.Load() {
		call.stopTimers()
	}
}

// resolve completes call with out. It returns false if another outcome won.
func (e *Engine) resolve(call *pendingCall, out outcome) bool {
	if !call.done.CompareAndSwap(false, true) {
		return false
	}
	call.stopTimers()
	e.pending.Remove(call.id)

	metrics.GetOrCreateHistogram("dlink_rpc_call_duration_seconds").Update(e.clk.Now().Sub(call.started).Seconds())
	if out.err != nil {
		e.countError(out.err)
		Logger.Debugf("call %s (%s on %s) failed: %v", call.id, call.method, call.destination, out.err)
	}

	call.result <- out
	return true
}

func (e *Engine) countError(err error) error {
	code := "canceled"
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		code = fmt.Sprintf("%d", rpcErr.Code)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_rpc_call_errors_total{code=%q}`, code)).Inc()
	return err
}

// --------------------------------------------------------------------------
// Inbound packets
// --------------------------------------------------------------------------

// HandlePacket processes an rpc packet received from the identity from.
// Packets of other types are ignored.
func (e *Engine) HandlePacket(p *common.Packet, from string) {
	switch p.PktType {
	case common.PktTRpcRequest:
		e.handleRequest(p, from)

	case common.PktTRpcAck:
		if call, ok := e.lookup(p.RequestID, from); ok {
			call.acked.Store(true)
			call.mu.Lock()
			call.ackTimer.Stop()
			call.mu.Unlock()
		}

	case common.PktTRpcResponse:
		if call, ok := e.lookup(p.RequestID, from); ok {
			e.resolve(call, outcome{payload: p.RpcPayload})
		}

	case common.PktTRpcError:
		if call, ok := e.lookup(p.RequestID, from); ok {
			e.resolve(call, outcome{err: fromPacket(p)})
		}

	default:
		Logger.Debugf("ignoring %s packet from %s", p.PktType, from)
	}
}

// lookup returns the pending call of requestID if it was sent to from.
// Unknown ids are late or duplicate replies and are dropped.
func (e *Engine) lookup(requestID, from string) (*pendingCall, bool) {
	call, ok := e.pending.Get(requestID)
	if !ok {
		Logger.Debugf("dropping reply for unknown request %s from %s", requestID, from)
		return nil, false
	}
	if call.destination != from {
		Logger.Warningf("dropping reply for request %s from %s, expected %s", requestID, from, call.destination)
		return nil, false
	}
	return call, true
}

func (e *Engine) reply(to string, p *common.Packet) {
	p.Sender = e.config.LocalIdentity
	p.Destinations = []string{to}
	if err := e.sender.SendPacket(to, p); err != nil {
		Logger.Warningf("sending %s for request %s to %s: %v", p.PktType, p.RequestID, to, err)
	}
}

func (e *Engine) handleRequest(p *common.Packet, from string) {
	e.reply(from, common.NewRpcAck(p.RequestID))

	if p.Version != common.ProtocolVersion {
		e.reply(from, Builtin(CodeUnsupportedVersion, "").toPacket(p.RequestID))
		return
	}
	handler, ok := e.handlers.Load(p.Method)
	if !ok {
		e.reply(from, Builtin(CodeUnsupportedMethod, "").toPacket(p.RequestID))
		return
	}

	data := InvocationData{
		RequestID:       p.RequestID,
		CallerIdentity:  from,
		Payload:         p.RpcPayload,
		ResponseTimeout: time.Duration(p.ResponseTimeoutMs) * time.Millisecond,
	}
	go e.invoke(p.Method, handler, data)
}

// invoke runs handler and sends its response or error to the caller
func (e *Engine) invoke(method string, handler Handler, data InvocationData) {
	metrics.GetOrCreateCounter("dlink_rpc_handled_total").Inc()

	var ctx context.Context
	var cancel context.CancelFunc
	if data.ResponseTimeout > 0 {
		ctx, cancel = context.WithTimeout(e.handlerCtx, data.ResponseTimeout)
	} else {
		ctx, cancel = context.WithCancel(e.handlerCtx)
	}
	defer cancel()

	payload, err := runHandler(ctx, handler, data)

	var response *common.Packet
	var rpcErr *RpcError
	switch {
	case errors.As(err, &rpcErr):
		response = NewError(rpcErr.Code, rpcErr.Message, rpcErr.Data).toPacket(data.RequestID)
	case err != nil:
		Logger.Warningf("handler of %s failed for %s: %v", method, data.CallerIdentity, err)
		response = Builtin(CodeApplicationError, "").toPacket(data.RequestID)
	case len(payload) > e.config.MaxPayloadBytes:
		response = Builtin(CodeResponsePayloadTooLarge, "").toPacket(data.RequestID)
	default:
		response = common.NewRpcResponse(data.RequestID, payload)
	}
	e.reply(data.CallerIdentity, response)
}

// runHandler calls handler and turns a panic into an error
func runHandler(ctx context.Context, handler Handler, data InvocationData) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, data)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// HandleParticipantDisconnected fails the pending calls to identity with
// RECIPIENT_DISCONNECTED and returns how many were failed
func (e *Engine) HandleParticipantDisconnected(identity string) int {
	var calls []*pendingCall
	e.pending.Range(func(_ string, call *pendingCall) bool {
		if call.destination == identity {
			calls = append(calls, call)
		}
		return true
	})

	count := 0
	for _, call := range calls {
		if e.resolve(call, outcome{err: Builtin(CodeRecipientDisconnected, "")}) {
			count++
		}
	}
	return count
}

// Close fails every pending call with RECIPIENT_DISCONNECTED, cancels running
// handlers and rejects further calls with SEND_FAILED
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var calls []*pendingCall
	e.pending.Range(func(_ string, call *pendingCall) bool {
		calls = append(calls, call)
		return true
	})
	for _, call := range calls {
		e.resolve(call, outcome{err: Builtin(CodeRecipientDisconnected, "")})
	}
	e.handlerCancel()
	return nil
}
