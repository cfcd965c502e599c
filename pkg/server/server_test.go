package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yly97/coapdtls/pkg/coap"
	"github.com/yly97/coapdtls/pkg/connector"
	"github.com/yly97/coapdtls/pkg/resource"
	"github.com/yly97/coapdtls/pkg/trace"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

// fakeTransport 用通道代替Connector
type fakeTransport struct {
	in   chan connector.Datagram
	sent chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan connector.Datagram, 16),
		sent: make(chan []byte, 16),
	}
}

func (f *fakeTransport) Receive(ctx context.Context) (connector.Datagram, error) {
	select {
	case d, ok := <-f.in:
		if !ok {
			return connector.Datagram{}, connector.ErrConnectorClosed
		}
		return d, nil
	case <-ctx.Done():
		return connector.Datagram{}, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ net.Addr, payload []byte) error {
	f.sent <- append([]byte(nil), payload...)
	return nil
}

// counter 记录PUT被调用的次数
type counter struct {
	calls atomic.Int32
}

func (c *counter) Put(*resource.Request) (*resource.Response, error) {
	c.calls.Add(1)
	return &resource.Response{Code: codes.Changed}, nil
}

type events struct {
	mu   sync.Mutex
	list []trace.Event
}

func (e *events) Observe(event trace.Event) {
	e.mu.Lock()
	e.list = append(e.list, event)
	e.mu.Unlock()
}

func (e *events) count(kind trace.Kind, reason string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, event := range e.list {
		if event.Kind == kind && event.Reason == reason {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	server    *Server
	transport *fakeTransport
	storage   *resource.Storage
	counter   *counter
	events    *events
	session   connector.Session
}

func start(t *testing.T) *harness {
	t.Helper()
	tree := resource.NewTree()
	storage := resource.NewStorage("iot_publisher")
	require.NoError(t, tree.HandlePrefix(storage.Root(), storage))
	c := &counter{}
	require.NoError(t, tree.Handle("counter", c))

	h := &harness{
		t:         t,
		transport: newFakeTransport(),
		storage:   storage,
		counter:   c,
		events:    &events{},
		session:   connector.Session{ID: "session-1", Peer: testPeer, State: connector.StateEstablished},
	}
	s, err := New(h.transport, Config{Tree: tree, Observer: h.events})
	require.NoError(t, err)
	h.server = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return h
}

func (h *harness) deliver(m coap.Message) []byte {
	h.t.Helper()
	data, err := coap.Encode(m)
	require.NoError(h.t, err)
	h.deliverRaw(data)
	return data
}

func (h *harness) deliverRaw(data []byte) {
	h.transport.in <- connector.Datagram{Peer: testPeer, Payload: data, Session: h.session}
}

func (h *harness) next() ([]byte, coap.Message) {
	h.t.Helper()
	select {
	case data := <-h.transport.sent:
		m, err := coap.Decode(data)
		require.NoError(h.t, err)
		return data, m
	case <-time.After(5 * time.Second):
		h.t.Fatal("no response")
	}
	return nil, coap.Message{}
}

func request(typ coap.Type, code codes.Code, mid uint16, path string) coap.Message {
	m := coap.Message{Type: typ, Code: code, MessageID: mid, Token: []byte{0xca, 0xfe}}
	m.SetPath(path)
	return m
}

func TestDuplicateConfirmableIsIdempotent(t *testing.T) {
	h := start(t)
	req := request(coap.Confirmable, codes.PUT, 0x1234, "counter")
	req.Payload = []byte("1")

	h.deliver(req)
	first, resp := h.next()
	h.deliver(req)
	second, _ := h.next()

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), h.counter.calls.Load())
	assert.Equal(t, coap.Acknowledgement, resp.Type)
	assert.Equal(t, uint16(0x1234), resp.MessageID)
	assert.Equal(t, codes.Changed, resp.Code)
	assert.Equal(t, []byte{0xca, 0xfe}, resp.Token)
}

func TestClosedSessionIsForgotten(t *testing.T) {
	h := start(t)
	req := request(coap.Confirmable, codes.PUT, 0x4321, "counter")
	h.next2(req)
	h.next2(req)
	assert.Equal(t, int32(1), h.counter.calls.Load())
	assert.Equal(t, 1, h.server.dedup.Len())

	// 其他会话的事件不影响当前会话
	h.server.Observe(trace.Event{Kind: trace.SessionClosed, SessionID: "session-2"})
	assert.Equal(t, 1, h.server.dedup.Len())

	h.server.Observe(trace.Event{Kind: trace.SessionClosed, SessionID: h.session.ID})
	assert.Equal(t, 0, h.server.dedup.Len())
}

func TestStorageRequests(t *testing.T) {
	h := start(t)

	_, resp := h.next2(request(coap.Confirmable, codes.GET, 1, "iot_publisher/sensor1"))
	assert.Equal(t, codes.Content, resp.Code)
	assert.Empty(t, resp.Payload)

	put := request(coap.Confirmable, codes.PUT, 2, "iot_publisher/sensor1")
	put.SetContentFormat(message.TextPlain)
	put.Payload = []byte("21.5")
	_, resp = h.next2(put)
	assert.Equal(t, codes.Created, resp.Code)

	_, resp = h.next2(request(coap.Confirmable, codes.GET, 3, "iot_publisher/sensor1"))
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, []byte("21.5"), resp.Payload)
	cf, ok := resp.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, message.TextPlain, cf)
}

func (h *harness) next2(m coap.Message) ([]byte, coap.Message) {
	h.t.Helper()
	h.deliver(m)
	return h.next()
}

func TestResponseCodes(t *testing.T) {
	tests := []struct {
		code   codes.Code
		path   string
		expect codes.Code
	}{
		{codes.GET, "missing", codes.NotFound},
		{codes.GET, "counter", codes.MethodNotAllowed},
		{codes.Code(5), "iot_publisher/x", codes.MethodNotAllowed},
		{codes.DELETE, "iot_publisher/x", codes.Deleted},
	}

	h := start(t)
	for i, test := range tests {
		_, resp := h.next2(request(coap.Confirmable, test.code, uint16(100+i), test.path))
		assert.Equal(t, test.expect, resp.Code, "case%d", i)
	}
}

func TestAnonymousSessionIsReadOnly(t *testing.T) {
	h := start(t)
	h.session.Anonymous = true

	put := request(coap.Confirmable, codes.PUT, 1, "iot_publisher/sensor1")
	put.Payload = []byte("x")
	_, resp := h.next2(put)
	assert.Equal(t, codes.Unauthorized, resp.Code)

	_, resp = h.next2(request(coap.Confirmable, codes.GET, 2, "iot_publisher/sensor1"))
	assert.Equal(t, codes.Content, resp.Code)
	_, ok := h.storage.Entry("iot_publisher/sensor1")
	assert.False(t, ok)
}

func TestNonConfirmableRequest(t *testing.T) {
	h := start(t)
	req := request(coap.NonConfirmable, codes.GET, 7, "iot_publisher/sensor1")

	_, resp := h.next2(req)
	assert.Equal(t, coap.NonConfirmable, resp.Type)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, req.Token, resp.Token)

	// 重复的NON被丢弃，下一个响应是ping的RST
	h.deliver(req)
	_, resp = h.next2(coap.Message{Type: coap.Confirmable, Code: codes.Empty, MessageID: 8})
	assert.Equal(t, coap.Reset, resp.Type)
	assert.Equal(t, uint16(8), resp.MessageID)
	assert.Equal(t, 1, h.events.count(trace.DatagramDropped, trace.ReasonDuplicate))
}

func TestMalformedAndUnexpectedMessages(t *testing.T) {
	h := start(t)

	h.deliverRaw([]byte{0x40, 0x01})
	h.deliver(coap.EmptyAck(9))
	// CON携带响应码时回复RST
	_, resp := h.next2(coap.Message{Type: coap.Confirmable, Code: codes.Content, MessageID: 10})
	assert.Equal(t, coap.Reset, resp.Type)
	assert.Equal(t, uint16(10), resp.MessageID)

	assert.Equal(t, 1, h.events.count(trace.DatagramDropped, trace.ReasonMalformed))
	assert.Equal(t, 2, h.events.count(trace.DatagramDropped, trace.ReasonUnexpected))
}

func TestServeReturnsWhenTransportCloses(t *testing.T) {
	transport := newFakeTransport()
	s, err := New(transport, Config{Tree: resource.NewTree()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	close(transport.in)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, Config{Tree: resource.NewTree()})
	assert.ErrorIs(t, err, errNoTransport)
	_, err = New(newFakeTransport(), Config{})
	assert.ErrorIs(t, err, errNoTree)
}
