package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
)

// connector implements the base.IClientConnector and base.IServerConnector interfaces for TCP sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector and base.IServerConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "tcp"
}

func (c *connector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func (c *connector) Listen(config common.TransportConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}
	return listener, nil
}

// UpgradeConnection applies performance optimizations to a TCP connection
// using configuration values from TCPConf and SocketConf
func (c *connector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return err
	}

	// Set socket write buffer size if configured
	if config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}

	// Set socket read buffer size if configured
	if config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// Set TCP linger option if configured
	if config.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(config.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewTCPDialer creates a new TCP dialer
func NewTCPDialer(config common.TransportConfig) transport.IDialer {
	return base.NewBaseDialer(&connector{}, config)
}

// NewTCPListener listens on config.Endpoint
func NewTCPListener(config common.TransportConfig) (transport.IListener, error) {
	return base.NewBaseListener(&connector{}, config)
}
