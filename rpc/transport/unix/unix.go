package unix

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
)

// connector implements the base.IClientConnector and base.IServerConnector interfaces for Unix sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector and base.IServerConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "unix"
}

func (c *connector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}

func (c *connector) Listen(config common.TransportConfig) (net.Listener, error) {
	socketPath := config.Endpoint

	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	return listener, nil
}

func (c *connector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	if config.WriteBufferSize > 0 {
		if err := unixConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := unixConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewUnixDialer creates a new Unix socket dialer
func NewUnixDialer(config common.TransportConfig) transport.IDialer {
	return base.NewBaseDialer(&connector{}, config)
}

// NewUnixListener listens on the socket path config.Endpoint, replacing a stale socket file
func NewUnixListener(config common.TransportConfig) (transport.IListener, error) {
	return base.NewBaseListener(&connector{}, config)
}
