package coap

import (
	"errors"
	"fmt"
)

var (
	errShortPacket        = errors.New("short packet")
	errInvalidVersion     = errors.New("invalid version")
	errInvalidTokenLength = errors.New("invalid token length")
	errEmptyWithContent   = errors.New("empty message with token, options or payload")
	errTruncated          = errors.New("truncated message")
	errReservedNibble     = errors.New("reserved option nibble")
	errInvalidOption      = errors.New("option number overflow")
	errEmptyPayload       = errors.New("payload marker followed by empty payload")

	errTokenTooLong  = errors.New("token longer than 8 bytes")
	errInvalidCode   = errors.New("code does not fit in one byte")
	errInvalidType   = errors.New("invalid message type")
	errOptionTooLong = errors.New("option too long")

	// ErrReset 对端用RST拒绝了请求
	ErrReset = errors.New("exchange reset by peer")
	// ErrResponseTimeout 收到空ACK之后一直没有等到分离响应
	ErrResponseTimeout = errors.New("response timeout")
	ErrClientClosed    = errors.New("client closed")
)

// MalformedMessageError 消息结构错误，接收方应当丢弃该消息
type MalformedMessageError struct {
	Offset int
	Err    error
}

func malformed(err error, offset int) *MalformedMessageError {
	return &MalformedMessageError{Offset: offset, Err: err}
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message at offset %d: %v", e.Offset, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// ExchangeTimeoutError CON请求在所有重传之后都没有得到确认
type ExchangeTimeoutError struct {
	MessageID uint16
	Attempts  int
}

func (e *ExchangeTimeoutError) Error() string {
	return fmt.Sprintf("exchange %d timed out after %d attempts", e.MessageID, e.Attempts)
}

// Timeout 满足net.Error的约定
func (e *ExchangeTimeoutError) Timeout() bool {
	return true
}
