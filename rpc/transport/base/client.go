package base

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// dialer implements transport.IDialer on top of a connector
type dialer struct {
	connector IClientConnector
	config    common.TransportConfig
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseDialer creates a dialer with the specified connector
func NewBaseDialer(connector IClientConnector, config common.TransportConfig) transport.IDialer {
	return &dialer{
		connector: connector,
		config:    config,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IDialer)
// --------------------------------------------------------------------------

// Dial connects to endpoint, or to the configured endpoint if it is empty.
// Failed attempts are retried with exponential backoff up to RetryCount times.
func (d *dialer) Dial(ctx context.Context, endpoint string) (transport.IChannel, error) {
	if endpoint == "" {
		endpoint = d.config.Endpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint provided")
	}

	// We always try at least once
	maxRetries := d.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := d.connect(ctx, endpoint)
		if err == nil {
			Logger.Infof("Connected to %s using %s transport", endpoint, d.connector.GetName())
			return NewConnChannel(conn, d.connector.GetName(), d.config), nil
		}

		lastErr = err
		Logger.Debugf("Connection attempt %d/%d to %s failed: %v", i+1, maxRetries, endpoint, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", endpoint, maxRetries, lastErr)
}

// connect performs a single attempt bounded by the configured timeout
func (d *dialer) connect(ctx context.Context, endpoint string) (net.Conn, error) {
	if d.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	conn, err := d.connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := d.connector.UpgradeConnection(conn, d.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", endpoint, err)
	}
	return conn, nil
}
