package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stream failures
type ErrorKind uint8

const (
	KindAlreadyOpened ErrorKind = iota + 1
	KindAbnormalEnd
	KindDecodeFailed
	KindLengthExceeded
	KindIncomplete
	KindTerminated
	KindUnknownStream
	KindOutOfOrder
)

var errorKindNames = map[ErrorKind]string{
	KindAlreadyOpened:  "stream already opened",
	KindAbnormalEnd:    "stream ended abnormally",
	KindDecodeFailed:   "stream decode failed",
	KindLengthExceeded: "stream length exceeded",
	KindIncomplete:     "stream incomplete",
	KindTerminated:     "stream closed",
	KindUnknownStream:  "unknown stream",
	KindOutOfOrder:     "chunk out of order",
}

// String returns the string representation of an ErrorKind
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown stream error"
}

// StreamError is the error type of the stream package. Two StreamErrors match
// with errors.Is when their kinds are equal, the reason is informational.
type StreamError struct {
	Kind   ErrorKind
	Reason string
}

func (e *StreamError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is implements errors.Is matching on the kind
func (e *StreamError) Is(target error) bool {
	var other *StreamError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrAlreadyOpened  = &StreamError{Kind: KindAlreadyOpened}
	ErrAbnormalEnd    = &StreamError{Kind: KindAbnormalEnd}
	ErrDecodeFailed   = &StreamError{Kind: KindDecodeFailed}
	ErrLengthExceeded = &StreamError{Kind: KindLengthExceeded}
	ErrIncomplete     = &StreamError{Kind: KindIncomplete}
	ErrTerminated     = &StreamError{Kind: KindTerminated}
	ErrUnknownStream  = &StreamError{Kind: KindUnknownStream}
	ErrOutOfOrder     = &StreamError{Kind: KindOutOfOrder}

	// ErrHandlerRegistered is returned when a topic already has a handler
	ErrHandlerRegistered = errors.New("stream handler already registered for topic")
)

// AbnormalEnd returns the error a reader sees when the sender closed the stream with a reason
func AbnormalEnd(reason string) *StreamError {
	return &StreamError{Kind: KindAbnormalEnd, Reason: reason}
}

func newError(kind ErrorKind, format string, args ...interface{}) *StreamError {
	return &StreamError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
