package engine

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ValentinKolb/dLink/rpc/common"
)

const (
	// MaxMessageBytes caps RpcError.Message
	MaxMessageBytes = 256
	// MaxDataBytes caps RpcError.Data and rpc payloads
	MaxDataBytes = 15360
)

// Built-in error codes. 1400-1499 are failures the caller is responsible
// for, 1500-1599 failures of the transport or the handler side.
const (
	CodeApplicationError        = 1500
	CodeConnectionTimeout       = 1501
	CodeResponseTimeout         = 1502
	CodeRecipientDisconnected   = 1503
	CodeResponsePayloadTooLarge = 1504
	CodeSendFailed              = 1505

	CodeUnsupportedMethod      = 1400
	CodeRecipientNotFound      = 1401
	CodeRequestPayloadTooLarge = 1402
	CodeUnsupportedServer      = 1403
	CodeUnsupportedVersion     = 1404
)

var builtinMessages = map[int]string{
	CodeApplicationError:        "Application error in method handler",
	CodeConnectionTimeout:       "Connection timeout",
	CodeResponseTimeout:         "Response timeout",
	CodeRecipientDisconnected:   "Recipient disconnected",
	CodeResponsePayloadTooLarge: "Response payload too large",
	CodeSendFailed:              "Failed to send",
	CodeUnsupportedMethod:       "Method not supported at destination",
	CodeRecipientNotFound:       "Recipient not found",
	CodeRequestPayloadTooLarge:  "Request payload too large",
	CodeUnsupportedServer:       "RPC not supported by server",
	CodeUnsupportedVersion:      "Unsupported RPC version",
}

// RpcError is the error a call fails with. Handlers may return one to send a
// custom code to the caller. Two RpcErrors match with errors.Is when their
// codes are equal.
type RpcError struct {
	Code    int
	Message string
	Data    string
}

// NewError creates an RpcError, message and data are truncated to their limits
func NewError(code int, message, data string) *RpcError {
	return &RpcError{
		Code:    code,
		Message: truncateUTF8(message, MaxMessageBytes),
		Data:    truncateUTF8(data, MaxDataBytes),
	}
}

// Builtin creates the RpcError of a built-in code with its fixed message
func Builtin(code int, data string) *RpcError {
	return NewError(code, builtinMessages[code], data)
}

func (e *RpcError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
}

// Is implements errors.Is matching on the code
func (e *RpcError) Is(target error) bool {
	var other *RpcError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is checks against the built-in codes. A PacketSender
// without a route to the destination returns ErrRecipientNotFound.
var (
	ErrApplicationError        = &RpcError{Code: CodeApplicationError}
	ErrConnectionTimeout       = &RpcError{Code: CodeConnectionTimeout}
	ErrResponseTimeout         = &RpcError{Code: CodeResponseTimeout}
	ErrRecipientDisconnected   = &RpcError{Code: CodeRecipientDisconnected}
	ErrResponsePayloadTooLarge = &RpcError{Code: CodeResponsePayloadTooLarge}
	ErrSendFailed              = &RpcError{Code: CodeSendFailed}
	ErrUnsupportedMethod       = &RpcError{Code: CodeUnsupportedMethod}
	ErrRecipientNotFound       = &RpcError{Code: CodeRecipientNotFound}
	ErrRequestPayloadTooLarge  = &RpcError{Code: CodeRequestPayloadTooLarge}
	ErrUnsupportedServer       = &RpcError{Code: CodeUnsupportedServer}
	ErrUnsupportedVersion      = &RpcError{Code: CodeUnsupportedVersion}
)

// toPacket converts the error to the RpcError packet answering requestID
func (e *RpcError) toPacket(requestID string) *common.Packet {
	return common.NewRpcError(requestID, uint32(e.Code), e.Message, e.Data)
}

// fromPacket reads the error carried by an RpcError packet
func fromPacket(p *common.Packet) *RpcError {
	return NewError(int(p.ErrCode), p.ErrMessage, p.ErrData)
}

// truncateUTF8 returns the longest prefix of s that fits into limit bytes
// without splitting a character
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
