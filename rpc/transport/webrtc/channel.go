package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dLink/lib/queue"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pion/webrtc/v4"
)

var Logger = logger.GetLogger("transport")

// DefaultMaxMessageSize is used when a channel is created without a limit
const DefaultMaxMessageSize = 65535

// Channel adapts an ordered pion data channel to transport.IChannel. Only
// binary messages are delivered, string messages are dropped.
type Channel struct {
	dc      *webrtc.DataChannel
	label   string
	maxSize int
	inbox   *queue.MPSC[[]byte]

	started     atomic.Bool
	closedLocal atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// NewChannel wraps dc. It must be called before the data channel opens so no
// message is missed, messages that arrive before Start are queued.
func NewChannel(dc *webrtc.DataChannel, maxSize int) *Channel {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	c := &Channel{
		dc:      dc,
		label:   "webrtc:" + dc.Label(),
		maxSize: maxSize,
		inbox:   queue.New[[]byte](),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			Logger.Debugf("%s: dropping string message", c.label)
			return
		}
		c.inbox.Push(msg.Data)
	})
	dc.OnClose(func() {
		c.shutdown(nil)
	})
	dc.OnError(func(err error) {
		Logger.Warningf("%s: data channel error: %v", c.label, err)
		c.shutdown(err)
	})
	return c
}

// shutdown stops delivery after the queued messages
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.closed.Store(true)
		c.inbox.Close()
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannel)
// --------------------------------------------------------------------------

func (c *Channel) Start(onMessage func([]byte), onClose func(error)) error {
	if c.closedLocal.Load() {
		return transport.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return transport.ErrAlreadyStarted
	}
	go func() {
		for msg := range c.inbox.Recv() {
			onMessage(msg)
		}
		// Recv is closed only after shutdown stored closeErr
		onClose(c.closeErr)
	}()
	return nil
}

func (c *Channel) Send(data []byte) error {
	if len(data) > c.maxSize {
		return transport.ErrMessageTooLarge
	}
	if c.closed.Load() || c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrClosed
	}
	return c.dc.Send(data)
}

func (c *Channel) MaxMessageSize() int {
	return c.maxSize
}

func (c *Channel) Label() string {
	return c.label
}

func (c *Channel) Close() error {
	if !c.closedLocal.CompareAndSwap(false, true) {
		return nil
	}
	err := c.dc.Close()
	c.shutdown(nil)
	if c.started.CompareAndSwap(false, true) {
		go func() {
			for range c.inbox.Recv() {
			}
		}()
	}
	return err
}
