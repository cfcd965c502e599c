// Package trace 定义握手、会话和消息处理过程中的事件，以及事件的观察者
package trace

import (
	"net"
	"sync/atomic"
	"time"
)

type Kind int

const (
	HandshakeStarted Kind = iota
	HandshakeSucceeded
	HandshakeFailed
	AuthDowngraded // WANT_AUTH下客户端证书缺失或者校验失败
	SessionClosed
	DatagramDropped
	RequestHandled
	MessageTraced
)

var kindNames = [...]string{
	HandshakeStarted:   "handshake_started",
	HandshakeSucceeded: "handshake_succeeded",
	HandshakeFailed:    "handshake_failed",
	AuthDowngraded:     "auth_downgraded",
	SessionClosed:      "session_closed",
	DatagramDropped:    "datagram_dropped",
	RequestHandled:     "request_handled",
	MessageTraced:      "message_traced",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// 丢弃数据报的原因
const (
	ReasonMalformed     = "malformed"
	ReasonQueueFull     = "queue_full"
	ReasonDuplicate     = "duplicate"
	ReasonUnexpected    = "unexpected"
	ReasonIdle          = "idle"
	ReasonPeerClosed    = "peer_closed"
	ReasonLocalClosed   = "local_closed"
	ReasonNotNegotiated = "mode_not_negotiated"
)

// Event 字段按事件类型选择性填写
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	Peer      net.Addr

	Mode        string
	CipherSuite string
	Identity    string
	Anonymous   bool

	Method  string
	Code    string
	Message string // 消息的简要描述，MessageTraced使用
	Inbound bool

	Reason string
	Err    error
}

// Observer 由Connector和Server同步调用，实现不能阻塞
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) {
	f(e)
}

type multi []Observer

func (m multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Multi 依次通知所有非nil的观察者
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

// Forward 在真正的观察者创建之前占位，Set之前的事件被丢弃
type Forward struct {
	target atomic.Pointer[Observer]
}

func (f *Forward) Set(o Observer) {
	f.target.Store(&o)
}

func (f *Forward) Observe(e Event) {
	if p := f.target.Load(); p != nil && *p != nil {
		(*p).Observe(e)
	}
}

// Discard 忽略所有事件
var Discard Observer = ObserverFunc(func(Event) {})

// Emit 填充时间后通知观察者，o为nil时什么也不做
func Emit(o Observer, e Event) {
	if o == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.Observe(e)
}
