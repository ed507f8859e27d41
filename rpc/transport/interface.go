package transport

import (
	"context"
	"errors"
)

var (
	// ErrMessageTooLarge is returned by Send if a message exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("message exceeds the maximum message size of the channel")
	// ErrClosed is returned by operations on a closed channel or listener
	ErrClosed = errors.New("channel closed")
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("channel already started")
)

// --------------------------------------------------------------------------
// Channel
// --------------------------------------------------------------------------

// IChannel is an opaque, message oriented, ordered byte channel between two endpoints
type IChannel interface {
	// Start begins delivering inbound messages. onMessage is called sequentially
	// from a single goroutine and owns the slice it receives. onClose is called
	// exactly once after the last onMessage, with nil on a clean close.
	Start(onMessage func([]byte), onClose func(error)) error
	// Send transmits one message. Messages larger than MaxMessageSize fail with
	// ErrMessageTooLarge, sends on a closed channel fail with ErrClosed.
	Send(data []byte) error
	// MaxMessageSize returns the largest message Send accepts
	MaxMessageSize() int
	// Label describes the channel for logs, e.g. "tcp:127.0.0.1:7000"
	Label() string
	// Close closes the channel. It is safe to call multiple times.
	Close() error
}

// --------------------------------------------------------------------------
// Connection establishment
// --------------------------------------------------------------------------

// IListener accepts inbound channels
type IListener interface {
	// Accept blocks until a channel is available, ctx is done, or the listener is closed
	Accept(ctx context.Context) (IChannel, error)
	// Addr returns the address the listener is bound to
	Addr() string
	// Close stops accepting channels. Already accepted channels stay open.
	Close() error
}

// IDialer opens outbound channels
type IDialer interface {
	// Dial connects to endpoint
	Dial(ctx context.Context, endpoint string) (IChannel, error)
}
