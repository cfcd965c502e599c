package connector

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/trace"
)

// ClientConfig 客户端只和一个服务端建立会话
type ClientConfig struct {
	Modes       mode.Set
	Credentials *credentials.Credentials
	ServerName  string

	HandshakeTimeout time.Duration
	FlightInterval   time.Duration
	MTU              int

	Observer      trace.Observer
	LoggerFactory logging.LoggerFactory
}

// ClientConn 已建立的客户端会话，读写的都是明文
type ClientConn struct {
	net.Conn
	session *session
}

func (c *ClientConn) Session() Session {
	return c.session.snapshot()
}

func (c *ClientConn) Close() error {
	err := c.session.close(trace.ReasonLocalClosed)
	c.session.transition(StateClosed)
	return err
}

// Dial 主动连接服务端并完成握手，NO_DTLS时返回普通的connected UDP socket
func Dial(ctx context.Context, address string, config ClientConfig) (*ClientConn, error) {
	if config.Modes.Empty() {
		return nil, errEmptyModes
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = NewLoggerFactory(log.WithField("component", "dtls"))
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	s := newSession(raddr, udpConn)
	s.transition(StateHandshaking)
	if !config.Modes.Secure() {
		s.establish(mode.NoDTLS, 0, "", false)
		return &ClientConn{Conn: udpConn, session: s}, nil
	}

	if config.Credentials == nil {
		_ = s.close(trace.ReasonLocalClosed)
		return nil, errNoCredentials
	}
	conn, err := dialDTLS(ctx, s, config)
	if err != nil {
		_ = s.close(trace.ReasonLocalClosed)
		s.transition(StateClosed)
		trace.Emit(config.Observer, trace.Event{
			Kind:      trace.HandshakeFailed,
			SessionID: s.info.ID,
			Peer:      raddr,
			Err:       err,
		})
		return nil, err
	}
	return &ClientConn{Conn: conn, session: s}, nil
}

func dialDTLS(ctx context.Context, s *session, config ClientConfig) (net.Conn, error) {
	peer := s.info.Peer
	base, err := clientConfig(config)
	if err != nil {
		return nil, err
	}
	trace.Emit(config.Observer, trace.Event{Kind: trace.HandshakeStarted, SessionID: s.info.ID, Peer: peer})

	ctx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	s.setCancel(cancel)

	rec := &recorder{Conn: s.getConn(), inbound: true}
	hs := newHandshakeState(config.Modes, config.Credentials)
	conn, err := dtls.ClientWithContext(ctx, rec, hs.config(base))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrHandshakeTimeout
		}
		return nil, &HandshakeError{Peer: peer, Err: err}
	}
	rec.stop()
	s.setConn(conn)

	suite, observed := rec.cipherSuite()
	n, err := hs.negotiate(suite, observed)
	if err != nil {
		return nil, &HandshakeError{Peer: peer, Err: err}
	}
	s.establish(n.mode, n.suite, n.identity, false)
	trace.Emit(config.Observer, trace.Event{
		Kind:        trace.HandshakeSucceeded,
		SessionID:   s.info.ID,
		Peer:        peer,
		Mode:        n.mode.String(),
		CipherSuite: dtls.CipherSuiteName(n.suite),
		Identity:    n.identity,
	})
	return conn, nil
}
