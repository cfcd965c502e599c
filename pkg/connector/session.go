package connector

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
	"github.com/yly97/coapdtls/pkg/mode"
)

// State 会话状态：Closed -> Handshaking -> Established -> Closing -> Closed
type State int

const (
	StateClosed State = iota
	StateHandshaking
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Session 会话的只读快照
type Session struct {
	ID          string
	Peer        net.Addr
	State       State
	Mode        mode.AuthMode
	CipherSuite dtls.CipherSuiteID // 明文会话为0
	Identity    string             // PSK identity、证书Subject或者公钥摘要
	Anonymous   bool
	Created     time.Time
	Established time.Time
}

// session 一个对端地址对应一个会话，DTLS的密钥以及序列号都在dtls.Conn中
type session struct {
	mu     sync.Mutex
	info   Session
	conn   net.Conn
	cancel func() // 取消正在进行的握手
	reason string // 关闭原因

	closeOnce sync.Once
}

func newSession(peer net.Addr, conn net.Conn) *session {
	return &session{
		info: Session{
			ID:      uuid.NewString(),
			Peer:    peer,
			State:   StateClosed,
			Created: time.Now(),
		},
		conn:   conn,
		cancel: func() {},
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.State
}

// transition 只允许合法的状态迁移，返回是否迁移成功
func (s *session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.info.State
	ok := false
	switch to {
	case StateHandshaking:
		ok = from == StateClosed
	case StateEstablished:
		ok = from == StateHandshaking
	case StateClosing:
		ok = from == StateHandshaking || from == StateEstablished
	case StateClosed:
		ok = from != StateClosed
	}
	if ok {
		s.info.State = to
		if to == StateEstablished {
			s.info.Established = time.Now()
		}
	}
	return ok
}

func (s *session) establish(m mode.AuthMode, suite dtls.CipherSuiteID, identity string, anonymous bool) bool {
	s.mu.Lock()
	s.info.Mode = m
	s.info.CipherSuite = suite
	s.info.Identity = identity
	s.info.Anonymous = anonymous
	s.mu.Unlock()
	return s.transition(StateEstablished)
}

func (s *session) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *session) getConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) setCancel(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// close 取消握手并关闭连接，DTLS连接关闭时会发送close_notify
func (s *session) close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.reason == "" {
			s.reason = reason
		}
		cancel := s.cancel
		conn := s.conn
		s.mu.Unlock()

		s.transition(StateClosing)
		cancel()
		err = conn.Close()
	})
	return err
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
