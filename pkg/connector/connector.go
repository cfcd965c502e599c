// Package connector 在UDP之上维护每个对端的DTLS会话，对上层只暴露明文数据报
package connector

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"github.com/pion/transport/v2/udp"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/trace"
)

const (
	DefaultSecureAddress = ":5684"
	DefaultAddress       = ":5683"

	defaultHandshakeTimeout = 30 * time.Second
	defaultQueueSize        = 1024
	receiveBufferSize       = 8192
)

// Config 在Listen之后不能修改
type Config struct {
	Address     string // 为空时DTLS使用5684，NO_DTLS使用5683
	Modes       mode.Set
	Credentials *credentials.Credentials

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // 0表示会话不会因为空闲关闭
	ReceiveTimeout   time.Duration // Receive的默认超时，0表示只由ctx决定
	FlightInterval   time.Duration // 握手消息的重传间隔，0使用pion的默认值
	MTU              int
	QueueSize        int // 所有会话共享的接收队列长度
	Backlog          int

	Observer      trace.Observer
	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		if c.Modes.Secure() {
			c.Address = DefaultSecureAddress
		} else {
			c.Address = DefaultAddress
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = NewLoggerFactory(log.WithField("component", "dtls"))
	}
	return c
}

// Datagram 一个已解密的数据报以及接收时会话的快照
type Datagram struct {
	Peer    net.Addr
	Payload []byte
	Session Session
}

// Connector 服务端的DTLS连接器
type Connector struct {
	config   Config
	dtls     *dtls.Config // NO_DTLS时为nil
	listener net.Listener
	log      *log.Entry

	inbound chan Datagram

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	sessionMutex sync.Mutex
	sessions     map[string]*session // key为对端地址
}

// Listen 绑定地址并开始接受新的对端
func Listen(config Config) (*Connector, error) {
	if config.Modes.Empty() {
		return nil, errEmptyModes
	}
	config = config.withDefaults()

	var base *dtls.Config
	filter := isCoAP
	if config.Modes.Secure() {
		if config.Credentials == nil {
			return nil, errNoCredentials
		}
		var err error
		if base, err = serverConfig(config); err != nil {
			return nil, err
		}
		filter = isClientHello
	}

	addr, err := net.ResolveUDPAddr("udp", config.Address)
	if err != nil {
		return nil, err
	}
	lc := udp.ListenConfig{
		AcceptFilter: filter,
		Backlog:      config.Backlog,
	}
	listener, err := lc.Listen("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		config:   config,
		dtls:     base,
		listener: listener,
		log:      log.WithField("local", listener.Addr().String()),
		inbound:  make(chan Datagram, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}

	c.wg.Add(1)
	go c.acceptLoop()
	c.log.Infof("Connector is listening with modes %s", config.Modes)
	return c, nil
}

func (c *Connector) Addr() net.Addr {
	return c.listener.Addr()
}

func (c *Connector) emit(e trace.Event) {
	trace.Emit(c.config.Observer, e)
}

func (c *Connector) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.log.WithError(err).Error("Accept failed, connector stops accepting")
			}
			return
		}

		s := newSession(conn.RemoteAddr(), conn)
		c.putSession(s)
		if c.ctx.Err() != nil {
			// Close可能已经遍历过会话表
			_ = s.close(trace.ReasonLocalClosed)
		}
		c.wg.Add(1)
		go c.serveSession(s)
	}
}

// putSession 同一地址上的旧会话已经关闭，直接覆盖
func (c *Connector) putSession(s *session) {
	key := s.info.Peer.String()
	c.sessionMutex.Lock()
	c.sessions[key] = s
	c.sessionMutex.Unlock()
}

func (c *Connector) getSession(peer net.Addr) (*session, bool) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	s, ok := c.sessions[peer.String()]
	return s, ok
}

// delSession 只删除仍然是s的表项
func (c *Connector) delSession(s *session) {
	key := s.info.Peer.String()
	c.sessionMutex.Lock()
	if c.sessions[key] == s {
		delete(c.sessions, key)
	}
	c.sessionMutex.Unlock()
}

func (c *Connector) serveSession(s *session) {
	defer c.wg.Done()
	defer c.delSession(s)

	if c.dtls == nil {
		s.transition(StateHandshaking)
		s.establish(mode.NoDTLS, 0, "", false)
		c.emit(trace.Event{
			Kind:      trace.HandshakeSucceeded,
			SessionID: s.info.ID,
			Peer:      s.info.Peer,
			Mode:      mode.NoDTLS.String(),
		})
	} else if err := c.handshake(s); err != nil {
		reason := trace.ReasonUnexpected
		var notNegotiated *ModeNotNegotiatedError
		if errors.As(err, &notNegotiated) {
			reason = trace.ReasonNotNegotiated
		}
		_ = s.close(reason)
		s.transition(StateClosed)
		c.emit(trace.Event{
			Kind:      trace.HandshakeFailed,
			SessionID: s.info.ID,
			Peer:      s.info.Peer,
			Reason:    reason,
			Err:       err,
		})
		return
	}

	c.readLoop(s)
}

// handshake 执行一次服务端握手，成功后会话进入Established
func (c *Connector) handshake(s *session) error {
	peer := s.info.Peer
	s.transition(StateHandshaking)
	c.emit(trace.Event{Kind: trace.HandshakeStarted, SessionID: s.info.ID, Peer: peer})

	ctx, cancel := context.WithTimeout(c.ctx, c.config.HandshakeTimeout)
	defer cancel()
	s.setCancel(cancel)

	rec := &recorder{Conn: s.getConn()}
	hs := newHandshakeState(c.config.Modes, c.config.Credentials)
	conn, err := dtls.ServerWithContext(ctx, rec, hs.config(c.dtls))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrHandshakeTimeout
		}
		return &HandshakeError{Peer: peer, Err: err}
	}
	rec.stop()
	s.setConn(conn)

	suite, observed := rec.cipherSuite()
	if !observed {
		c.log.WithField("peer", peer.String()).Debug(errUnknownSuite)
	}
	n, err := hs.negotiate(suite, observed)
	if err != nil {
		return &HandshakeError{Peer: peer, Err: err}
	}
	if !s.establish(n.mode, n.suite, n.identity, n.anonymous) {
		return &HandshakeError{Peer: peer, Err: ErrConnectorClosed}
	}

	if n.downgrade != nil {
		c.emit(trace.Event{
			Kind:      trace.AuthDowngraded,
			SessionID: s.info.ID,
			Peer:      peer,
			Mode:      n.mode.String(),
			Err:       n.downgrade,
		})
	}
	c.emit(trace.Event{
		Kind:        trace.HandshakeSucceeded,
		SessionID:   s.info.ID,
		Peer:        peer,
		Mode:        n.mode.String(),
		CipherSuite: dtls.CipherSuiteName(n.suite),
		Identity:    n.identity,
		Anonymous:   n.anonymous,
	})
	return nil
}

// readLoop 把会话收到的明文放入共享队列，直到会话关闭或空闲超时
func (c *Connector) readLoop(s *session) {
	conn := s.getConn()
	buf := make([]byte, receiveBufferSize)
	for {
		if c.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if err != nil {
			reason := c.closeReason(s, err)
			_ = s.close(reason)
			s.transition(StateClosed)
			c.emit(trace.Event{
				Kind:      trace.SessionClosed,
				SessionID: s.info.ID,
				Peer:      s.info.Peer,
				Reason:    reason,
			})
			return
		}

		d := Datagram{
			Peer:    s.info.Peer,
			Payload: append([]byte(nil), buf[:n]...),
			Session: s.snapshot(),
		}
		select {
		case c.inbound <- d:
		default:
			c.emit(trace.Event{
				Kind:      trace.DatagramDropped,
				SessionID: s.info.ID,
				Peer:      s.info.Peer,
				Reason:    trace.ReasonQueueFull,
			})
		}
	}
}

func (c *Connector) closeReason(s *session, err error) string {
	if reason := s.closeReason(); reason != "" {
		return reason
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return trace.ReasonIdle
	case errors.Is(err, io.EOF):
		return trace.ReasonPeerClosed
	}
	c.log.WithField("peer", s.info.Peer.String()).WithError(err).Debug("Session read failed")
	return trace.ReasonUnexpected
}

// Receive 阻塞直到有数据报到达、ctx结束、ReceiveTimeout超时或者Connector关闭
func (c *Connector) Receive(ctx context.Context) (Datagram, error) {
	if c.config.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ReceiveTimeout)
		defer cancel()
	}
	select {
	case d := <-c.inbound:
		return d, nil
	case <-c.ctx.Done():
		return Datagram{}, ErrConnectorClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Datagram{}, ErrReceiveTimeout
		}
		return Datagram{}, ctx.Err()
	}
}

// Send 通过对端已建立的会话发送明文
func (c *Connector) Send(peer net.Addr, payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrConnectorClosed
	}
	s, ok := c.getSession(peer)
	if !ok {
		return ErrSessionNotFound
	}
	if s.state() != StateEstablished {
		return ErrSessionNotEstablished
	}
	_, err := s.getConn().Write(payload)
	return err
}

// CloseSession 关闭对端的会话，已建立的DTLS会话会收到close_notify
func (c *Connector) CloseSession(peer net.Addr) error {
	s, ok := c.getSession(peer)
	if !ok {
		return ErrSessionNotFound
	}
	return s.close(trace.ReasonLocalClosed)
}

// Session 返回对端会话的快照
func (c *Connector) Session(peer net.Addr) (Session, bool) {
	s, ok := c.getSession(peer)
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions 按对端地址排序的会话快照
func (c *Connector) Sessions() []Session {
	c.sessionMutex.Lock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.snapshot())
	}
	c.sessionMutex.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer.String() < out[j].Peer.String() })
	return out
}

// Close 取消所有握手，关闭所有会话并等待会话协程退出
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.log.Debug("Connector is closing...")
		c.cancel()
		err = c.listener.Close()

		c.sessionMutex.Lock()
		sessions := make([]*session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessionMutex.Unlock()

		for _, s := range sessions {
			_ = s.close(trace.ReasonLocalClosed)
		}
		c.wg.Wait()
	})
	return err
}
