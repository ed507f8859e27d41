package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// connChannel implements transport.IChannel over a stream oriented net.Conn
type connChannel struct {
	conn         net.Conn
	label        string
	maxSize      int
	writeTimeout time.Duration

	writeMu   sync.Mutex // Serializes frames on the connection
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewConnChannel wraps conn as a channel using length prefixed frames.
// name is the medium used in the label (e.g., "tcp", "unix").
func NewConnChannel(conn net.Conn, name string, config common.TransportConfig) transport.IChannel {
	return &connChannel{
		conn:         conn,
		label:        fmt.Sprintf("%s:%s", name, conn.RemoteAddr()),
		maxSize:      config.EffectiveMaxMessageSize(),
		writeTimeout: time.Duration(config.TimeoutSecond) * time.Second,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannel)
// --------------------------------------------------------------------------

func (c *connChannel) Start(onMessage func([]byte), onClose func(error)) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return transport.ErrAlreadyStarted
	}
	go c.readLoop(onMessage, onClose)
	return nil
}

func (c *connChannel) Send(data []byte) error {
	if len(data) > c.maxSize {
		return transport.ErrMessageTooLarge
	}
	if c.closed.Load() {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if err := writeFrame(c.conn, data); err != nil {
		if c.closed.Load() {
			return transport.ErrClosed
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *connChannel) MaxMessageSize() int {
	return c.maxSize
}

func (c *connChannel) Label() string {
	return c.label
}

func (c *connChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readLoop delivers frames until the connection fails or is closed
func (c *connChannel) readLoop(onMessage func([]byte), onClose func(error)) {
	header := make([]byte, frameHeaderSize)

	var err error
	for {
		data, readErr := readFrame(c.conn, header, c.maxSize)
		if readErr != nil {
			err = readErr
			break
		}
		onMessage(data)
	}

	// A local close or an orderly remote close is not an error
	if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	} else {
		Logger.Warningf("Channel %s failed: %v", c.label, err)
	}

	_ = c.Close()
	onClose(err)
}
