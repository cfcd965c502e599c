package coap

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = TransmissionParams{
	AckTimeout:      20 * time.Millisecond,
	AckRandomFactor: 1,
	MaxAttempts:     3,
}

// fakePeer 在本地UDP端口上按照handle的返回值回复
type fakePeer struct {
	conn     *net.UDPConn
	received atomic.Int32
}

func newFakePeer(t *testing.T, handle func(m Message) []Message) *fakePeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	p := &fakePeer{conn: conn}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			p.received.Add(1)
			m, err := Decode(buf[:n])
			if err != nil {
				continue
			}
			for _, out := range handle(m) {
				data, err := Encode(out)
				if err != nil {
					continue
				}
				_, _ = conn.WriteToUDP(data, addr)
			}
		}
	}()
	return p
}

func dialPeer(t *testing.T, p *fakePeer) *Client {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, p.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	c := NewClient(conn, testParams)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExchangeTimeout(t *testing.T) {
	peer := newFakePeer(t, func(Message) []Message { return nil })
	c := dialPeer(t, peer)

	start := time.Now()
	_, err := c.Get(context.Background(), "iot_publisher/sensor1")
	var timeout *ExchangeTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 3, timeout.Attempts)
	// 20ms + 40ms + 80ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)

	assert.Eventually(t, func() bool { return peer.received.Load() == 3 }, time.Second, 10*time.Millisecond)
}

func TestPiggybackedResponse(t *testing.T) {
	peer := newFakePeer(t, func(m Message) []Message {
		resp := Message{Type: Acknowledgement, Code: codes.Content, MessageID: m.MessageID, Token: m.Token, Payload: []byte(m.Path())}
		resp.SetContentFormat(message.TextPlain)
		return []Message{resp}
	})
	c := dialPeer(t, peer)

	resp, err := c.Get(context.Background(), "iot_publisher/sensor1")
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, []byte("iot_publisher/sensor1"), resp.Payload)
	assert.EqualValues(t, 1, peer.received.Load())
}

func TestSeparateResponse(t *testing.T) {
	acked := make(chan uint16, 1)
	peer := newFakePeer(t, func(m Message) []Message {
		if m.Type == Acknowledgement {
			acked <- m.MessageID
			return nil
		}
		return []Message{
			EmptyAck(m.MessageID),
			{Type: Confirmable, Code: codes.Changed, MessageID: 0x4242, Token: m.Token},
		}
	})
	c := dialPeer(t, peer)

	resp, err := c.Put(context.Background(), "iot_publisher/sensor1", message.TextPlain, []byte("23.5"))
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, resp.Code)

	select {
	case mid := <-acked:
		assert.Equal(t, uint16(0x4242), mid)
	case <-time.After(time.Second):
		t.Fatal("separate response was not acknowledged")
	}
}

func TestReset(t *testing.T) {
	peer := newFakePeer(t, func(m Message) []Message {
		return []Message{EmptyReset(m.MessageID)}
	})
	c := dialPeer(t, peer)

	_, err := c.Delete(context.Background(), "iot_publisher/sensor1")
	assert.ErrorIs(t, err, ErrReset)
}

func TestDoCanceled(t *testing.T) {
	peer := newFakePeer(t, func(Message) []Message { return nil })
	c := dialPeer(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "iot_publisher")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClosedClient(t *testing.T) {
	peer := newFakePeer(t, func(Message) []Message { return nil })
	c := dialPeer(t, peer)
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "iot_publisher")
	assert.Error(t, err)
}
