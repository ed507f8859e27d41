package ws

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// closeGracePeriod bounds how long Close waits to write the close frame
const closeGracePeriod = time.Second

// wsChannel implements transport.IChannel with one binary websocket message per channel message
type wsChannel struct {
	conn         *websocket.Conn
	label        string
	maxSize      int
	writeTimeout time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// newChannel wraps an established websocket connection
func newChannel(conn *websocket.Conn, config common.TransportConfig) *wsChannel {
	maxSize := config.EffectiveMaxMessageSize()
	conn.SetReadLimit(int64(maxSize))
	return &wsChannel{
		conn:         conn,
		label:        fmt.Sprintf("ws:%s", conn.RemoteAddr()),
		maxSize:      maxSize,
		writeTimeout: time.Duration(config.TimeoutSecond) * time.Second,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannel)
// --------------------------------------------------------------------------

func (c *wsChannel) Start(onMessage func([]byte), onClose func(error)) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return transport.ErrAlreadyStarted
	}
	go c.readLoop(onMessage, onClose)
	return nil
}

func (c *wsChannel) Send(data []byte) error {
	if len(data) > c.maxSize {
		return transport.ErrMessageTooLarge
	}
	if c.closed.Load() {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if c.closed.Load() || errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

func (c *wsChannel) MaxMessageSize() int {
	return c.maxSize
}

func (c *wsChannel) Label() string {
	return c.label
}

// Close sends a close frame and closes the connection
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// WriteControl may run concurrently with WriteMessage
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))

		err = c.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *wsChannel) readLoop(onMessage func([]byte), onClose func(error)) {
	var err error
	for {
		msgType, data, readErr := c.conn.ReadMessage()
		if readErr != nil {
			err = readErr
			break
		}
		if msgType != websocket.BinaryMessage {
			Logger.Debugf("Channel %s ignored a non binary message", c.label)
			continue
		}
		onMessage(data)
	}

	if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	} else {
		Logger.Warningf("Channel %s failed: %v", c.label, err)
	}

	_ = c.Close()
	onClose(err)
}
