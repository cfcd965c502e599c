package coap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	log "github.com/sirupsen/logrus"
)

const (
	tokenLength      = 4
	maxDatagramSize  = 1 << 16
	exchangeChanSize = 1
)

// Client 在一条已建立的连接（DTLS会话或者connected UDP socket）上发送请求，
// CON请求按照指数退避重传，响应按Token匹配
type Client struct {
	conn   net.Conn
	params TransmissionParams
	log    *log.Entry

	mid atomic.Uint32

	mu        sync.Mutex
	acks      map[uint16]chan Message // 按MessageID匹配ACK/RST
	responses map[string]chan Message // 按Token匹配响应

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

func NewClient(conn net.Conn, params TransmissionParams) *Client {
	c := &Client{
		conn:      conn,
		params:    params.withDefaults(),
		log:       log.WithField("remote", conn.RemoteAddr().String()),
		acks:      make(map[uint16]chan Message),
		responses: make(map[string]chan Message),
		done:      make(chan struct{}),
	}
	var b [2]byte
	_, _ = rand.Read(b[:])
	c.mid.Store(uint32(binary.BigEndian.Uint16(b[:])))

	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *Client) nextMessageID() uint16 {
	return uint16(c.mid.Add(1))
}

func newToken() []byte {
	token := make([]byte, tokenLength)
	_, _ = rand.Read(token)
	return token
}

func (c *Client) Get(ctx context.Context, path string) (Message, error) {
	return c.Do(ctx, NewRequest(codes.GET, path))
}

func (c *Client) Put(ctx context.Context, path string, cf message.MediaType, payload []byte) (Message, error) {
	req := NewRequest(codes.PUT, path)
	req.SetContentFormat(cf)
	req.Payload = payload
	return c.Do(ctx, req)
}

func (c *Client) Post(ctx context.Context, path string, cf message.MediaType, payload []byte) (Message, error) {
	req := NewRequest(codes.POST, path)
	req.SetContentFormat(cf)
	req.Payload = payload
	return c.Do(ctx, req)
}

func (c *Client) Delete(ctx context.Context, path string) (Message, error) {
	return c.Do(ctx, NewRequest(codes.DELETE, path))
}

// NewRequest 默认是CON请求，MessageID和Token由Do分配
func NewRequest(code codes.Code, path string) Message {
	m := Message{Type: Confirmable, Code: code}
	m.SetPath(path)
	return m
}

// Do 发送请求并等待响应，MessageID总是重新分配，Token为空时随机生成
func (c *Client) Do(ctx context.Context, req Message) (Message, error) {
	req.MessageID = c.nextMessageID()
	if len(req.Token) == 0 {
		req.Token = newToken()
	}
	data, err := Encode(req)
	if err != nil {
		return Message{}, err
	}

	ackCh := make(chan Message, exchangeChanSize)
	respCh := make(chan Message, exchangeChanSize)
	c.register(req.MessageID, req.Token, ackCh, respCh)
	defer c.unregister(req.MessageID, req.Token)

	lifetime := c.params.NonLifetime()
	if req.Type == Confirmable {
		resp, separate, err := c.transmit(ctx, req.MessageID, data, ackCh, respCh)
		if err != nil || !separate {
			return resp, err
		}
		lifetime = c.params.ExchangeLifetime()
		c.log.Tracef("exchange %d acknowledged, waiting for separate response", req.MessageID)
	} else if _, err := c.conn.Write(data); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(lifetime)
	defer timer.Stop()
	for {
		select {
		case resp := <-respCh:
			return resp, nil
		case m := <-ackCh:
			if m.Type == Reset {
				return Message{}, ErrReset
			}
		case <-timer.C:
			return Message{}, ErrResponseTimeout
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.done:
			return Message{}, c.closedErr()
		}
	}
}

// transmit 重传CON消息直到收到ACK。separate为true表示收到的是空ACK，响应会单独到达
func (c *Client) transmit(ctx context.Context, mid uint16, data []byte, ackCh, respCh <-chan Message) (Message, bool, error) {
	b := c.params.newBackOff()
	attempts := 0
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return Message{}, false, &ExchangeTimeoutError{MessageID: mid, Attempts: attempts}
		}
		if _, err := c.conn.Write(data); err != nil {
			return Message{}, false, err
		}
		attempts++
		if attempts > 1 {
			c.log.Debugf("retransmit %d, attempt %d", mid, attempts)
		}

		timer := time.NewTimer(wait)
		select {
		case m := <-ackCh:
			timer.Stop()
			if m.Type == Reset {
				return Message{}, false, ErrReset
			}
			if m.IsEmpty() {
				return Message{}, true, nil
			}
			return m, false, nil
		case m := <-respCh:
			// ACK丢失，但是分离响应已经到达
			timer.Stop()
			return m, false, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Message{}, false, ctx.Err()
		case <-c.done:
			timer.Stop()
			return Message{}, false, c.closedErr()
		}
	}
}

func (c *Client) register(mid uint16, token []byte, ackCh, respCh chan Message) {
	c.mu.Lock()
	c.acks[mid] = ackCh
	c.responses[string(token)] = respCh
	c.mu.Unlock()
}

func (c *Client) unregister(mid uint16, token []byte) {
	c.mu.Lock()
	delete(c.acks, mid)
	delete(c.responses, string(token))
	c.mu.Unlock()
}

// deliver 非阻塞投递，重复的消息直接丢弃
func deliver(ch chan Message, m Message) {
	select {
	case ch <- m:
	default:
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			// 对端端口不可达时connected UDP socket会收到ECONNREFUSED，继续等待重传
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			c.shutdown(err)
			return
		}

		m, err := Decode(buf[:n])
		if err != nil {
			c.log.Debugf("drop malformed message: %v", err)
			continue
		}
		c.log.Tracef("receive %s", m)

		switch m.Type {
		case Acknowledgement, Reset:
			c.mu.Lock()
			ch, ok := c.acks[m.MessageID]
			c.mu.Unlock()
			if ok {
				deliver(ch, m)
			}
		case Confirmable, NonConfirmable:
			if m.IsEmpty() {
				// CoAP ping
				if m.Type == Confirmable {
					c.write(EmptyReset(m.MessageID))
				}
				continue
			}
			if m.Type == Confirmable {
				c.write(EmptyAck(m.MessageID))
			}
			c.mu.Lock()
			ch, ok := c.responses[string(m.Token)]
			c.mu.Unlock()
			if ok {
				deliver(ch, m)
			} else {
				c.log.Debugf("drop unexpected response %s", m)
			}
		}
	}
}

func (c *Client) write(m Message) {
	data, err := Encode(m)
	if err != nil {
		return
	}
	if _, err := c.conn.Write(data); err != nil {
		c.log.Debugf("write %s: %v", m, err)
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, io.EOF) || errors.Is(c.err, net.ErrClosed) {
		return ErrClientClosed
	}
	return c.err
}

// Close 关闭底层连接并等待读协程退出
func (c *Client) Close() error {
	c.shutdown(nil)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
