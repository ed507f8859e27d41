package peer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLink/lib/clock"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/engine"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/session"
	"github.com/ValentinKolb/dLink/rpc/stream"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("peer")

// DataHandler receives the application data packets of a peer
type DataHandler func(data []byte, topic string, sender string)

// Option customizes a Peer
type Option func(*Peer)

// WithClock replaces the real clock, mainly for tests
func WithClock(clk clock.Clock) Option {
	return func(p *Peer) {
		p.clk = clk
	}
}

// Peer is one node of the messaging layer. It owns the sessions to its remote
// peers and routes packets between them and the rpc engine, the stream
// managers and the data handler.
//
// Thread-safety: all methods may be called concurrently.
type Peer struct {
	config common.PeerConfig
	ser    serializer.ISerializer
	clk    clock.Clock

	engine   *engine.Engine
	outgoing *stream.Outgoing
	incoming *stream.Incoming
	sessions *xsync.MapOf[string, *session.Session]

	dataHandler atomic.Pointer[DataHandler]

	dataSent     *metrics.Counter
	dataReceived *metrics.Counter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a peer and starts its maintenance goroutine
func New(config common.PeerConfig, ser serializer.ISerializer, opts ...Option) *Peer {
	p := &Peer{
		config:   config,
		ser:      ser,
		clk:      clock.Real(),
		sessions: xsync.NewMapOf[string, *session.Session](),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.config.Session.Identity = config.Identity
	p.config.Engine.LocalIdentity = config.Identity

	p.engine = engine.New(engine.Config{EngineConfig: p.config.Engine, Clock: p.clk}, p)
	p.outgoing = stream.NewOutgoing(stream.PacketWriterFunc(p.publish), p.config.Stream, p.clk)
	p.incoming = stream.NewIncoming(p.config.Stream)

	labels := metricLabels(config.Identity, config.Labels)
	p.dataSent = metrics.GetOrCreateCounter("dlink_peer_data_sent_total" + labels)
	p.dataReceived = metrics.GetOrCreateCounter("dlink_peer_data_received_total" + labels)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if p.config.SweepInterval > 0 {
		p.wg.Add(1)
		go p.maintenance(ctx)
	}
	return p
}

// Identity returns the identity of the peer
func (p *Peer) Identity() string {
	return p.config.Identity
}

// Engine returns the rpc engine of the peer
func (p *Peer) Engine() *engine.Engine {
	return p.engine
}

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

// Attach starts a session on channel and waits for the remote hello
func (p *Peer) Attach(ctx context.Context, channel transport.IChannel) (*session.Session, error) {
	if p.closed.Load() {
		return nil, transport.ErrClosed
	}

	s := session.New(channel, p.config.Session, p.ser, p)
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("starting session on %s: %w", channel.Label(), err)
	}
	if err := s.WaitReady(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("waiting for the remote hello on %s: %w", channel.Label(), err)
	}

	Logger.Infof("attached %q on %s", s.RemoteIdentity(), channel.Label())
	return s, nil
}

// Sessions returns a snapshot of the sessions keyed by remote identity
func (p *Peer) Sessions() map[string]*session.Session {
	sessions := make(map[string]*session.Session)
	p.sessions.Range(func(identity string, s *session.Session) bool {
		sessions[identity] = s
		return true
	})
	return sessions
}

// RemoteIdentities returns the sorted identities of all connected peers
func (p *Peer) RemoteIdentities() []string {
	var identities []string
	p.sessions.Range(func(identity string, _ *session.Session) bool {
		identities = append(identities, identity)
		return true
	})
	sort.Strings(identities)
	return identities
}

// Close closes every session and fails everything still in flight
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	p.outgoing.CloseAll("peer closed")
	_ = p.engine.Close()
	p.incoming.ClearOpenStreams()

	var errs []error
	p.sessions.Range(func(identity string, s *session.Session) bool {
		p.sessions.Delete(identity)
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session with %s: %w", identity, err))
		}
		return true
	})
	return errors.Join(errs...)
}

func (p *Peer) maintenance(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clk.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.engine.Sweep()
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see session.PacketHandler)
// --------------------------------------------------------------------------

func (p *Peer) HandleReady(s *session.Session) {
	remote := s.RemoteIdentity()
	if previous, loaded := p.sessions.LoadAndStore(remote, s); loaded && previous != s {
		Logger.Warningf("%q connected again on %s, closing the session on %s", remote, s.Label(), previous.Label())
		_ = previous.Close()
	}
}

func (p *Peer) HandlePacket(remote string, pkt *common.Packet) {
	if len(pkt.Destinations) > 0 && !contains(pkt.Destinations, p.config.Identity) {
		Logger.Debugf("dropping %s packet from %s addressed to %v", pkt.PktType, remote, pkt.Destinations)
		return
	}

	switch {
	case pkt.IsRpc():
		p.engine.HandlePacket(pkt, remote)

	case pkt.PktType == common.PktTStreamHeader:
		p.incoming.HandleHeader(pkt, remote)

	case pkt.PktType == common.PktTStreamChunk:
		if err := p.incoming.HandleChunk(pkt); err != nil {
			Logger.Debugf("chunk %d of stream %s from %s: %v", pkt.ChunkIndex, pkt.StreamID, remote, err)
		}

	case pkt.PktType == common.PktTStreamTrailer:
		if err := p.incoming.HandleTrailer(pkt); err != nil {
			Logger.Debugf("stream %s from %s ended with: %v", pkt.StreamID, remote, err)
		}

	case pkt.PktType == common.PktTUser:
		p.dataReceived.Inc()
		if handler := p.dataHandler.Load(); handler != nil {
			(*handler)(pkt.Data, pkt.Topic, remote)
		}

	default:
		Logger.Debugf("ignoring %s packet from %s", pkt.PktType, remote)
	}
}

func (p *Peer) HandleDisconnect(remote string, err error) {
	s, ok := p.sessions.LoadAndDelete(remote)
	if !ok {
		return
	}
	_ = s.Close()

	calls := p.engine.HandleParticipantDisconnected(remote)
	streams := p.incoming.ClearStreamsFrom(remote)
	Logger.Infof("%q disconnected (%v), failed %d calls and %d streams", remote, err, calls, streams)
}

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

// SendPacket sends pkt to one remote identity, it implements engine.PacketSender
func (p *Peer) SendPacket(destination string, pkt *common.Packet) error {
	s, ok := p.sessions.Load(destination)
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrRecipientNotFound, destination)
	}
	return s.Send(pkt)
}

// publish sends pkt to its destinations, an empty list means every session
func (p *Peer) publish(pkt *common.Packet) error {
	if len(pkt.Destinations) > 0 {
		var errs []error
		for _, destination := range pkt.Destinations {
			if err := p.SendPacket(destination, pkt); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var errs []error
	p.sessions.Range(func(identity string, s *session.Session) bool {
		if err := s.Send(pkt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// RPC
// --------------------------------------------------------------------------

// PerformRpc calls method on destination, timeout <= 0 uses the configured default
func (p *Peer) PerformRpc(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	return p.engine.Call(ctx, destination, method, payload, timeout)
}

// RegisterRpcMethod sets the handler of method
func (p *Peer) RegisterRpcMethod(method string, handler engine.Handler) {
	p.engine.RegisterMethod(method, handler)
}

// UnregisterRpcMethod removes the handler of method
func (p *Peer) UnregisterRpcMethod(method string) {
	p.engine.UnregisterMethod(method)
}

// --------------------------------------------------------------------------
// Streams
// --------------------------------------------------------------------------

// StreamText opens a text stream
func (p *Peer) StreamText(opts stream.Options) (*stream.TextSender, error) {
	return p.outgoing.StreamText(opts)
}

// StreamBytes opens a binary stream
func (p *Peer) StreamBytes(opts stream.Options) (*stream.ByteSender, error) {
	return p.outgoing.StreamBytes(opts)
}

// SendText sends text as a complete stream
func (p *Peer) SendText(text string, opts stream.Options) error {
	return p.outgoing.SendText(text, opts)
}

// SendBytes sends data as a complete stream
func (p *Peer) SendBytes(data []byte, opts stream.Options) error {
	return p.outgoing.SendBytes(data, opts)
}

// SendFile streams the file at path. Name, TotalLength and MimeType are
// derived from the file if opts leaves them empty.
func (p *Peer) SendFile(path string, opts stream.Options) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}
	if opts.TotalLength == nil {
		size := uint64(info.Size())
		opts.TotalLength = &size
	}
	if opts.MimeType == "" {
		// strip parameters like "; charset=utf-8"
		opts.MimeType, _, _ = strings.Cut(mime.TypeByExtension(filepath.Ext(path)), ";")
	}
	return p.outgoing.SendReader(file, opts)
}

// RegisterTextStreamHandler sets the handler of text streams on topic
func (p *Peer) RegisterTextStreamHandler(topic string, handler stream.TextStreamHandler) error {
	return p.incoming.RegisterTextHandler(topic, handler)
}

// UnregisterTextStreamHandler removes the text stream handler of topic
func (p *Peer) UnregisterTextStreamHandler(topic string) {
	p.incoming.UnregisterTextHandler(topic)
}

// RegisterByteStreamHandler sets the handler of binary streams on topic
func (p *Peer) RegisterByteStreamHandler(topic string, handler stream.ByteStreamHandler) error {
	return p.incoming.RegisterByteHandler(topic, handler)
}

// UnregisterByteStreamHandler removes the binary stream handler of topic
func (p *Peer) UnregisterByteStreamHandler(topic string) {
	p.incoming.UnregisterByteHandler(topic)
}

// --------------------------------------------------------------------------
// Data packets
// --------------------------------------------------------------------------

// PublishData sends data on topic to destinations, an empty list means every connected peer
func (p *Peer) PublishData(ctx context.Context, data []byte, topic string, destinations []string, reliable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() {
		return transport.ErrClosed
	}
	if err := p.publish(common.NewUserPacket(topic, data, reliable, destinations)); err != nil {
		return err
	}
	p.dataSent.Inc()
	return nil
}

// OnData sets the handler of data packets, nil removes it
func (p *Peer) OnData(handler DataHandler) {
	if handler == nil {
		p.dataHandler.Store(nil)
		return
	}
	p.dataHandler.Store(&handler)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// metricLabels renders identity and labels as a sorted metric label set
func metricLabels(identity string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{fmt.Sprintf("peer=%q", identity)}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
