package memory

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dLink/lib/queue"
	"github.com/ValentinKolb/dLink/rpc/transport"
)

// DefaultMaxMessageSize matches the limit of a pion data channel
const DefaultMaxMessageSize = 64 * 1024

// Options configure a channel pair
type Options struct {
	// MaxMessageSize caps messages, <= 0 uses DefaultMaxMessageSize
	MaxMessageSize int
	// Label prefix, the two ends are labelled "<label>/a" and "<label>/b"
	Label string
}

// pairState is shared by both ends so a close on either side closes the pair
type pairState struct {
	once sync.Once
	a, b *Channel
}

// Channel is one end of an in-process channel pair. Messages are copied on Send
// and delivered asynchronously in send order.
type Channel struct {
	label   string
	maxSize int
	pair    *pairState
	inbox   *queue.MPSC[[]byte] // messages destined to this end

	started atomic.Bool
	closed  atomic.Bool
	sent    atomic.Uint64
	failErr atomic.Pointer[error]
}

// NewPair creates two connected channels
func NewPair(opts Options) (*Channel, *Channel) {
	maxSize := opts.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	label := opts.Label
	if label == "" {
		label = "memory"
	}

	pair := &pairState{}
	pair.a = &Channel{label: label + "/a", maxSize: maxSize, pair: pair, inbox: queue.New[[]byte]()}
	pair.b = &Channel{label: label + "/b", maxSize: maxSize, pair: pair, inbox: queue.New[[]byte]()}
	return pair.a, pair.b
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannel)
// --------------------------------------------------------------------------

func (c *Channel) Start(onMessage func([]byte), onClose func(error)) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return transport.ErrAlreadyStarted
	}
	go func() {
		for msg := range c.inbox.Recv() {
			onMessage(msg)
		}
		onClose(nil)
	}()
	return nil
}

func (c *Channel) Send(data []byte) error {
	if len(data) > c.maxSize {
		return transport.ErrMessageTooLarge
	}
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if errPtr := c.failErr.Load(); errPtr != nil {
		return *errPtr
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	if !c.remote().inbox.Push(msg) {
		return transport.ErrClosed
	}
	c.sent.Add(1)
	return nil
}

func (c *Channel) MaxMessageSize() int {
	return c.maxSize
}

func (c *Channel) Label() string {
	return c.label
}

// Close closes both ends. Messages already sent are still delivered.
func (c *Channel) Close() error {
	c.pair.once.Do(func() {
		for _, end := range []*Channel{c.pair.a, c.pair.b} {
			end.closed.Store(true)
			end.inbox.Close()
			// an end that was never started still has to drain its queue
			if end.started.CompareAndSwap(false, true) {
				go func(end *Channel) {
					for range end.inbox.Recv() {
					}
				}(end)
			}
		}
	})
	return nil
}

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// FailSends makes every following Send return err, nil restores normal sending
func (c *Channel) FailSends(err error) {
	if err == nil {
		c.failErr.Store(nil)
		return
	}
	c.failErr.Store(&err)
}

// SentCount returns the number of messages accepted by Send
func (c *Channel) SentCount() uint64 {
	return c.sent.Load()
}

// remote returns the other end of the pair
func (c *Channel) remote() *Channel {
	if c == c.pair.a {
		return c.pair.b
	}
	return c.pair.a
}
