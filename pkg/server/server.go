// Package server 从Connector接收明文数据报，解码CoAP请求并交给资源树处理
package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/coap"
	"github.com/yly97/coapdtls/pkg/connector"
	"github.com/yly97/coapdtls/pkg/resource"
	"github.com/yly97/coapdtls/pkg/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPeerQueueSize = 32
	defaultWorkerIdle    = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// Transport 由connector.Connector实现
type Transport interface {
	Receive(ctx context.Context) (connector.Datagram, error)
	Send(peer net.Addr, payload []byte) error
}

type Config struct {
	Tree          *resource.Tree
	Params        coap.TransmissionParams
	PeerQueueSize int           // 每个对端等待处理的数据报上限，超出后丢弃
	WorkerIdle    time.Duration // 对端空闲这么久之后回收它的协程
	SweepInterval time.Duration // 清理去重记录的间隔
	Observer      trace.Observer
}

// worker 同一对端的数据报按到达顺序依次处理
type worker struct {
	key string
	ch  chan connector.Datagram
}

type Server struct {
	transport Transport
	config    Config
	dedup     *coap.Deduplicator
	log       *log.Entry

	mid atomic.Uint32 // NON响应使用的MessageID

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

func New(transport Transport, config Config) (*Server, error) {
	if transport == nil {
		return nil, errNoTransport
	}
	if config.Tree == nil {
		return nil, errNoTree
	}
	if config.PeerQueueSize <= 0 {
		config.PeerQueueSize = defaultPeerQueueSize
	}
	if config.WorkerIdle <= 0 {
		config.WorkerIdle = defaultWorkerIdle
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}

	s := &Server{
		transport: transport,
		config:    config,
		dedup:     coap.NewDeduplicator(config.Params),
		log:       log.WithField("component", "server"),
		workers:   make(map[string]*worker),
	}
	var b [2]byte
	_, _ = rand.Read(b[:])
	s.mid.Store(uint32(binary.BigEndian.Uint16(b[:])))
	return s, nil
}

// Serve 阻塞直到ctx结束或者Transport关闭，返回前等待所有对端协程退出
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// receiveLoop返回时通知sweepLoop和对端协程退出
		defer cancel()
		return s.receiveLoop(ctx)
	})
	g.Go(func() error {
		return s.sweepLoop(ctx)
	})
	err := g.Wait()
	s.wg.Wait()
	return err
}

func (s *Server) receiveLoop(ctx context.Context) error {
	for {
		d, err := s.transport.Receive(ctx)
		switch {
		case err == nil:
			s.enqueue(ctx, d)
		case errors.Is(err, connector.ErrReceiveTimeout):
		case errors.Is(err, connector.ErrConnectorClosed), ctx.Err() != nil:
			s.log.Debug("Server stops receiving")
			return nil
		default:
			return err
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.dedup.Sweep(); n > 0 {
				s.log.Tracef("Swept %d expired exchanges", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// enqueue 不会阻塞接收循环，对端的队列满了直接丢弃
func (s *Server) enqueue(ctx context.Context, d connector.Datagram) {
	key := d.Peer.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		w = &worker{key: key, ch: make(chan connector.Datagram, s.config.PeerQueueSize)}
		s.workers[key] = w
		s.wg.Add(1)
		go s.runWorker(ctx, w)
	}

	select {
	case w.ch <- d:
	default:
		s.emit(trace.Event{
			Kind:      trace.DatagramDropped,
			SessionID: d.Session.ID,
			Peer:      d.Peer,
			Reason:    trace.ReasonQueueFull,
		})
	}
}

func (s *Server) runWorker(ctx context.Context, w *worker) {
	defer s.wg.Done()
	timer := time.NewTimer(s.config.WorkerIdle)
	defer timer.Stop()

	for {
		select {
		case d := <-w.ch:
			s.handle(d)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.config.WorkerIdle)
		case <-timer.C:
			// 和enqueue在同一把锁下检查，保证不会丢掉已经入队的数据报
			s.mu.Lock()
			if len(w.ch) == 0 {
				delete(s.workers, w.key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			timer.Reset(s.config.WorkerIdle)
		case <-ctx.Done():
			return
		}
	}
}

var _ trace.Observer = (*Server)(nil)

// Observe 接收Connector的事件，会话结束后删除它的去重记录
func (s *Server) Observe(e trace.Event) {
	switch e.Kind {
	case trace.SessionClosed, trace.HandshakeFailed:
		if e.SessionID != "" {
			s.dedup.Forget(e.SessionID)
		}
	}
}

func (s *Server) emit(e trace.Event) {
	trace.Emit(s.config.Observer, e)
}

func (s *Server) nextMessageID() uint16 {
	return uint16(s.mid.Add(1))
}

func (s *Server) send(d connector.Datagram, m coap.Message) []byte {
	data, err := coap.Encode(m)
	if err != nil {
		s.log.WithError(err).Errorf("Failed to encode %s", m)
		return nil
	}
	s.write(d, m.String(), data)
	return data
}

func (s *Server) write(d connector.Datagram, desc string, data []byte) {
	if err := s.transport.Send(d.Peer, data); err != nil {
		s.log.WithField("peer", d.Peer.String()).WithError(err).Debug("Failed to send message")
		return
	}
	s.emit(trace.Event{
		Kind:      trace.MessageTraced,
		SessionID: d.Session.ID,
		Peer:      d.Peer,
		Message:   desc,
	})
}

func (s *Server) drop(d connector.Datagram, reason string, err error) {
	s.emit(trace.Event{
		Kind:      trace.DatagramDropped,
		SessionID: d.Session.ID,
		Peer:      d.Peer,
		Reason:    reason,
		Err:       err,
	})
}

// dedupKey 去重按会话区分，同一地址上重新握手的会话不会复用旧的记录
func dedupKey(d connector.Datagram) string {
	if d.Session.ID != "" {
		return d.Session.ID
	}
	return d.Peer.String()
}

// handle 处理一个数据报，任何错误都不会传到Connector
func (s *Server) handle(d connector.Datagram) {
	msg, err := coap.Decode(d.Payload)
	if err != nil {
		s.log.WithField("peer", d.Peer.String()).WithError(err).Debug("Dropped malformed message")
		s.drop(d, trace.ReasonMalformed, err)
		return
	}
	s.emit(trace.Event{
		Kind:      trace.MessageTraced,
		SessionID: d.Session.ID,
		Peer:      d.Peer,
		Message:   msg.String(),
		Inbound:   true,
	})

	switch {
	case msg.Type == coap.Acknowledgement || msg.Type == coap.Reset:
		// 服务端不发送CON，不需要处理ACK和RST
		s.drop(d, trace.ReasonUnexpected, nil)
		return
	case msg.IsEmpty():
		// CoAP ping
		if msg.Type == coap.Confirmable {
			s.send(d, coap.EmptyReset(msg.MessageID))
		}
		return
	case !msg.IsRequest():
		s.drop(d, trace.ReasonUnexpected, nil)
		if msg.Type == coap.Confirmable {
			s.send(d, coap.EmptyReset(msg.MessageID))
		}
		return
	}

	key := dedupKey(d)
	if cached, dup := s.dedup.Check(key, &msg); dup {
		if msg.Type == coap.NonConfirmable {
			s.drop(d, trace.ReasonDuplicate, nil)
			return
		}
		if cached == nil {
			s.send(d, coap.EmptyAck(msg.MessageID))
			return
		}
		s.write(d, "replay "+msg.String(), cached)
		return
	}

	resp := s.dispatch(d, &msg)
	out := coap.Message{
		Code:    resp.Code,
		Token:   msg.Token,
		Payload: resp.Payload,
	}
	if msg.Type == coap.Confirmable {
		out.Type = coap.Acknowledgement
		out.MessageID = msg.MessageID
	} else {
		out.Type = coap.NonConfirmable
		out.MessageID = s.nextMessageID()
	}
	if resp.HasContentFormat {
		out.SetContentFormat(resp.ContentFormat)
	}

	if data := s.send(d, out); data != nil {
		s.dedup.Complete(key, msg.MessageID, data)
	}
	s.emit(trace.Event{
		Kind:      trace.RequestHandled,
		SessionID: d.Session.ID,
		Peer:      d.Peer,
		Identity:  d.Session.Identity,
		Anonymous: d.Session.Anonymous,
		Method:    msg.Code.String(),
		Code:      resp.Code.String(),
	})
}

func (s *Server) dispatch(d connector.Datagram, msg *coap.Message) *resource.Response {
	req := &resource.Request{
		Method:    msg.Code,
		Path:      msg.Path(),
		Payload:   msg.Payload,
		Peer:      d.Peer,
		Identity:  d.Session.Identity,
		Anonymous: d.Session.Anonymous,
	}
	if cf, ok := msg.ContentFormat(); ok {
		req.ContentFormat, req.HasContentFormat = cf, true
	}

	resp, err := s.config.Tree.Dispatch(req)
	if err != nil {
		code := resource.CodeOf(err)
		entry := s.log.WithFields(log.Fields{"peer": d.Peer.String(), "path": req.Path, "code": code.String()})
		if code == codes.InternalServerError {
			entry.WithError(err).Warn("Resource failed")
		} else {
			entry.WithError(err).Debug("Request rejected")
		}
		return &resource.Response{Code: code}
	}
	if resp == nil {
		return &resource.Response{Code: resource.CodeOf(nil)}
	}
	return resp
}
