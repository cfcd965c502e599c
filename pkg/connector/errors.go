package connector

import (
	"errors"
	"fmt"
	"net"

	"github.com/yly97/coapdtls/pkg/mode"
)

var (
	ErrConnectorClosed       = errors.New("connector closed")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotEstablished = errors.New("session not established")
	ErrReceiveTimeout        = errors.New("receive timeout")
	ErrHandshakeTimeout      = errors.New("handshake timeout")

	errNoCredentials    = errors.New("credentials are required for secure modes")
	errEmptyModes       = errors.New("mode set is empty")
	errNoCipherSuites   = errors.New("no cipher suite available for the configured modes")
	errUnknownSuite     = errors.New("unable to determine negotiated cipher suite")
	errNoClientIdentity = errors.New("client presented no acceptable credentials")
)

// HandshakeError 单个会话的握手失败，不影响其他会话
type HandshakeError struct {
	Peer net.Addr
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// HandshakeVerificationError 对端凭据校验失败
type HandshakeVerificationError struct {
	Err error
}

func (e *HandshakeVerificationError) Error() string {
	return fmt.Sprintf("verification failed: %v", e.Err)
}

func (e *HandshakeVerificationError) Unwrap() error {
	return e.Err
}

// ModeNotNegotiatedError 握手协商出的方式不在配置的集合中
type ModeNotNegotiatedError struct {
	Mode  mode.AuthMode
	Modes mode.Set
}

func (e *ModeNotNegotiatedError) Error() string {
	return fmt.Sprintf("negotiated mode %s is not in %s", e.Mode, e.Modes)
}
