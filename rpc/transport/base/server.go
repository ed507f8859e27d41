package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.TransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// listener implements transport.IListener. A background goroutine accepts
// connections and hands them to Accept through a channel.
type listener struct {
	connector IServerConnector
	config    common.TransportConfig
	ln        net.Listener
	channels  chan transport.IChannel
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseListener creates the listener of the connector and starts accepting
func NewBaseListener(connector IServerConnector, config common.TransportConfig) (transport.IListener, error) {
	ln, err := connector.Listen(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	l := &listener{
		connector: connector,
		config:    config,
		ln:        ln,
		channels:  make(chan transport.IChannel),
		closed:    make(chan struct{}),
	}

	Logger.Infof("Starting %s listener on %s", connector.GetName(), ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IListener)
// --------------------------------------------------------------------------

func (l *listener) Accept(ctx context.Context) (transport.IChannel, error) {
	select {
	case ch := <-l.channels:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrClosed
	}
}

func (l *listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the listener is closed
func (l *listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := l.connector.UpgradeConnection(conn, l.config); err != nil {
			Logger.Errorf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}

		ch := NewConnChannel(conn, l.connector.GetName(), l.config)
		select {
		case l.channels <- ch:
		case <-l.closed:
			_ = ch.Close()
			return
		}
	}
}
