package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dLink/lib/queue"
	"github.com/ValentinKolb/dLink/lib/seqbuf"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("session")

// ErrNotReady is returned by WaitReady when the channel closed before the remote hello arrived
var ErrNotReady = errors.New("session closed before the remote hello arrived")

// PacketHandler receives the packets and the disconnect of a session
type PacketHandler interface {
	// HandlePacket is called sequentially for every inbound packet except the
	// session packets (Hello, SequenceAck) and duplicates
	HandlePacket(remote string, p *common.Packet)
	// HandleDisconnect is called when the channel closes without a local Close
	HandleDisconnect(remote string, err error)
}

// ReadyHandler is optionally implemented by a PacketHandler. HandleReady is
// called from the dispatch goroutine for every remote hello, before any
// packet received after it is dispatched.
type ReadyHandler interface {
	HandleReady(s *Session)
}

// Stats is a snapshot of the session counters
type Stats struct {
	BufferedItems   int
	BufferedBytes   int
	LastSequence    uint64 // last sequence assigned to a reliable packet
	AckedSequence   uint64 // highest sequence received contiguously from the remote
	PacketsSent     uint64
	PacketsReceived uint64
	Duplicates      uint64
}

// inboundEvent is one message or the close of a channel, tagged with the
// generation of the channel that produced it
type inboundEvent struct {
	epoch    uint64
	data     []byte
	closed   bool
	closeErr error
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Session binds one channel to one remote identity. It numbers reliable
// packets, buffers them until the remote acknowledges them and replays them
// after a Resume. Inbound packets are deduplicated and dispatched in order on
// a single goroutine.
type Session struct {
	config  common.SessionConfig
	ser     serializer.ISerializer
	handler PacketHandler
	label   string

	// send side, guarded by mu
	mu      sync.Mutex
	channel transport.IChannel
	holding bool // reliable packets are buffered but not transmitted until the remote hello
	sent    *seqbuf.Buffer
	epoch   atomic.Uint64

	// receive side, owned by the dispatch goroutine
	inbound    *queue.MPSC[inboundEvent]
	contiguous uint64
	ahead      map[uint64]struct{}
	sinceAck   int
	acked      atomic.Uint64 // mirror of contiguous for hello packets

	remote    atomic.Pointer[string]
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	started   atomic.Bool
	closed    atomic.Bool

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	duplicates      atomic.Uint64

	sentCounter      *metrics.Counter
	receivedCounter  *metrics.Counter
	duplicateCounter *metrics.Counter
	bufferedGauge    *metrics.Counter
}

// New creates a session on channel. Start must be called before use.
func New(channel transport.IChannel, config common.SessionConfig, ser serializer.ISerializer, handler PacketHandler) *Session {
	label := channel.Label()
	s := &Session{
		config:  config,
		ser:     ser,
		handler: handler,
		label:   label,
		channel: channel,
		holding: true,
		sent: seqbuf.New(seqbuf.Config{
			MaxItems:      config.Buffer.MaxItems,
			ExtraCapacity: config.Buffer.ExtraCapacity,
		}),
		inbound: queue.New[inboundEvent](),
		ahead:   make(map[uint64]struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),

		sentCounter:      metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_session_packets_sent_total{session=%q}`, label)),
		receivedCounter:  metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_session_packets_received_total{session=%q}`, label)),
		duplicateCounter: metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_session_duplicates_total{session=%q}`, label)),
		bufferedGauge:    metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_session_buffered_bytes{session=%q}`, label)),
	}
	return s
}

// Start starts the channel and the dispatch goroutine and sends the hello
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return transport.ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return transport.ErrAlreadyStarted
	}

	go s.dispatchLoop()

	s.mu.Lock()
	channel := s.channel
	epoch := s.epoch.Load()
	s.mu.Unlock()

	if err := s.attach(channel, epoch); err != nil {
		return err
	}
	return s.sendHello(channel)
}

// WaitReady blocks until the remote hello arrived
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteIdentity returns the identity announced by the remote, empty before WaitReady returned
func (s *Session) RemoteIdentity() string {
	if remote := s.remote.Load(); remote != nil {
		return *remote
	}
	return ""
}

// Label describes the session for logs
func (s *Session) Label() string {
	return s.label
}

// Send transmits p. Reliable packets get the next sequence number and stay
// buffered until the remote acknowledges them. p is not modified.
func (s *Session) Send(p *common.Packet) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}

	pkt := *p
	if pkt.Sender == "" {
		pkt.Sender = s.config.Identity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !pkt.Reliable {
		pkt.Sequence = 0
		data, err := s.encode(&pkt)
		if err != nil {
			return err
		}
		return s.transmit(data)
	}

	item, err := s.sent.QueueWith(func(seq uint64) ([]byte, error) {
		pkt.Sequence = seq
		return s.encode(&pkt)
	})
	if err != nil {
		return err
	}
	if s.config.Buffer.MaxBytes > 0 {
		if trimmed := s.sent.Trim(s.config.Buffer.MaxBytes); trimmed > 0 {
			Logger.Debugf("%s: trimmed %d unacknowledged packets from the replay buffer", s.label, trimmed)
		}
	}
	s.bufferedGauge.Set(uint64(s.sent.ByteSize()))

	if s.holding {
		return nil
	}
	return s.transmit(item.Payload)
}

// Resume replaces the channel, for example after a reconnect. Reliable
// packets the remote did not acknowledge are re-sent in order once its hello
// arrives on the new channel.
func (s *Session) Resume(ctx context.Context, channel transport.IChannel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return transport.ErrClosed
	}

	s.mu.Lock()
	old := s.channel
	s.channel = channel
	s.holding = true
	epoch := s.epoch.Add(1)
	s.mu.Unlock()

	if old != channel {
		_ = old.Close()
	}
	if err := s.attach(channel, epoch); err != nil {
		return err
	}

	Logger.Infof("%s: resuming on %s", s.label, channel.Label())
	return s.sendHello(channel)
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	return Stats{
		BufferedItems:   s.sent.Size(),
		BufferedBytes:   s.sent.ByteSize(),
		LastSequence:    s.sent.LastSequence(),
		AckedSequence:   s.acked.Load(),
		PacketsSent:     s.packetsSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		Duplicates:      s.duplicates.Load(),
	}
}

// Close closes the channel and stops dispatching. The handler is not notified.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	err := channel.Close()
	s.inbound.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return err
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// --------------------------------------------------------------------------
// Send helpers
// --------------------------------------------------------------------------

// encode serializes p and checks it against the channel limit. Callers hold s.mu.
func (s *Session) encode(p *common.Packet) ([]byte, error) {
	data, err := s.ser.Serialize(*p)
	if err != nil {
		return nil, fmt.Errorf("serializing %s packet: %w", p.PktType, err)
	}
	if limit := s.channel.MaxMessageSize(); len(data) > limit {
		return nil, fmt.Errorf("%w: %s packet of %d bytes, limit %d", transport.ErrMessageTooLarge, p.PktType, len(data), limit)
	}
	return data, nil
}

// transmit sends encoded data on the current channel. Callers hold s.mu.
func (s *Session) transmit(data []byte) error {
	if err := s.channel.Send(data); err != nil {
		return err
	}
	s.packetsSent.Add(1)
	s.sentCounter.Inc()
	return nil
}

func (s *Session) sendHello(channel transport.IChannel) error {
	hello := common.NewHello(s.config.Identity, common.ProtocolVersion, s.acked.Load())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != channel {
		return nil
	}
	data, err := s.encode(hello)
	if err != nil {
		return err
	}
	return s.transmit(data)
}

// sendControl sends a session packet from the dispatch goroutine
func (s *Session) sendControl(p *common.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.encode(p)
	if err == nil {
		err = s.transmit(data)
	}
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		Logger.Warningf("%s: sending %s: %v", s.label, p.PktType, err)
	}
}

// replay transmits every buffered packet and stops holding new ones
func (s *Session) replay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sent.GetAll()
	for i, item := range items {
		if err := s.transmit(item.Payload); err != nil {
			Logger.Warningf("%s: replay stopped after %d of %d packets: %v", s.label, i, len(items), err)
			return
		}
	}
	s.holding = false
	if len(items) > 0 {
		Logger.Infof("%s: replayed %d packets", s.label, len(items))
	}
}

// --------------------------------------------------------------------------
// Receive side
// --------------------------------------------------------------------------

// attach starts channel, its events are tagged with epoch
func (s *Session) attach(channel transport.IChannel, epoch uint64) error {
	return channel.Start(
		func(data []byte) {
			s.inbound.Push(inboundEvent{epoch: epoch, data: data})
		},
		func(err error) {
			s.inbound.Push(inboundEvent{epoch: epoch, closed: true, closeErr: err})
		},
	)
}

func (s *Session) dispatchLoop() {
	for event := range s.inbound.Recv() {
		if event.epoch != s.epoch.Load() {
			continue
		}
		if event.closed {
			s.handleChannelClosed(event.closeErr)
			continue
		}
		s.handleMessage(event.data)

		if s.sinceAck > 0 && s.inbound.Len() == 0 {
			s.sendAck()
		}
	}
}

func (s *Session) handleChannelClosed(err error) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.holding = true
	s.mu.Unlock()

	remote := s.RemoteIdentity()
	if err != nil {
		Logger.Warningf("%s: channel to %q closed: %v", s.label, remote, err)
	} else {
		Logger.Infof("%s: channel to %q closed", s.label, remote)
	}

	select {
	case <-s.ready:
	default:
		// without a hello there is nothing to resume
		s.doneOnce.Do(func() { close(s.done) })
	}
	s.handler.HandleDisconnect(remote, err)
}

func (s *Session) handleMessage(data []byte) {
	var p common.Packet
	if err := s.ser.Deserialize(data, &p); err != nil {
		Logger.Warningf("%s: dropping undecodable message of %d bytes: %v", s.label, len(data), err)
		return
	}
	s.packetsReceived.Add(1)
	s.receivedCounter.Inc()

	switch p.PktType {
	case common.PktTHello:
		s.handleHello(&p)
		return
	case common.PktTSequenceAck:
		s.acknowledge(p.AckedSequence)
		return
	}

	if p.Reliable && p.Sequence > 0 && !s.accept(p.Sequence) {
		s.duplicates.Add(1)
		s.duplicateCounter.Inc()
		return
	}

	remote := s.RemoteIdentity()
	if p.Sender == "" {
		p.Sender = remote
	}
	s.handler.HandlePacket(remote, &p)
}

func (s *Session) handleHello(p *common.Packet) {
	if p.Version != common.ProtocolVersion {
		Logger.Warningf("%s: remote %q speaks protocol version %d, local version is %d", s.label, p.Sender, p.Version, common.ProtocolVersion)
	}
	if previous := s.RemoteIdentity(); previous != "" && previous != p.Sender {
		Logger.Warningf("%s: remote identity changed from %q to %q", s.label, previous, p.Sender)
	}
	identity := p.Sender
	s.remote.Store(&identity)

	s.acknowledge(p.AckedSequence)
	s.replay()

	if rh, ok := s.handler.(ReadyHandler); ok {
		rh.HandleReady(s)
	}

	s.readyOnce.Do(func() {
		Logger.Infof("%s: session with %q ready", s.label, identity)
		close(s.ready)
	})
}

// acknowledge drops every buffered packet up to seq
func (s *Session) acknowledge(seq uint64) {
	if seq == 0 {
		return
	}
	s.sent.PopToSequence(seq)
	s.bufferedGauge.Set(uint64(s.sent.ByteSize()))
}

// accept records seq in the receive window. It returns false for duplicates.
func (s *Session) accept(seq uint64) bool {
	s.sinceAck++
	defer func() {
		ackEvery := s.config.AckEvery
		if ackEvery <= 0 {
			ackEvery = 1
		}
		if s.sinceAck >= ackEvery {
			s.sendAck()
		}
	}()

	if seq <= s.contiguous {
		return false
	}
	if _, seen := s.ahead[seq]; seen {
		return false
	}

	if seq == s.contiguous+1 {
		s.contiguous = seq
		s.absorb()
	} else {
		s.ahead[seq] = struct{}{}
		if window := s.config.ReceiveWindow; window > 0 && len(s.ahead) > window {
			s.skipGap()
		}
	}
	s.acked.Store(s.contiguous)
	return true
}

// absorb moves contiguous forward over sequences received ahead of time
func (s *Session) absorb() {
	for {
		next := s.contiguous + 1
		if _, ok := s.ahead[next]; !ok {
			return
		}
		delete(s.ahead, next)
		s.contiguous = next
	}
}

// skipGap gives up on the oldest missing sequences when the window overflows,
// they were trimmed from the replay buffer of the remote
func (s *Session) skipGap() {
	pending := make([]uint64, 0, len(s.ahead))
	for seq := range s.ahead {
		pending = append(pending, seq)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	Logger.Warningf("%s: skipping missing sequences %d to %d", s.label, s.contiguous+1, pending[0]-1)
	s.contiguous = pending[0]
	delete(s.ahead, pending[0])
	s.absorb()
}

func (s *Session) sendAck() {
	s.sinceAck = 0
	s.sendControl(common.NewSequenceAck(s.contiguous))
}
