package coap

import (
	"context"
	"errors"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}

	tests := []Message{
		{Type: Confirmable, Code: codes.GET, MessageID: 1},
		{Type: Acknowledgement, Code: codes.Empty, MessageID: 0xffff},
		{Type: Reset, Code: codes.Empty, MessageID: 12},
		{
			Type:      NonConfirmable,
			Code:      codes.PUT,
			MessageID: 0x1234,
			Token:     []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04},
			Options: []Option{
				{ID: message.URIPath, Value: []byte("iot_publisher")},
				{ID: message.URIPath, Value: []byte("sensor1")},
				{ID: message.ContentFormat, Value: nil},
			},
			Payload: []byte("23.5"),
		},
		{
			Type:      Confirmable,
			Code:      codes.POST,
			MessageID: 2,
			Token:     []byte{0x01},
			Options: []Option{
				{ID: message.URIHost, Value: []byte("example.net")},
				{ID: message.URIPath, Value: long[:20]},
				{ID: message.URIQuery, Value: long},
				{ID: message.Size1, Value: []byte{0x01, 0x00}},
				{ID: message.OptionID(2049), Value: []byte{0x01}},
			},
			Payload: long,
		},
	}
	for i, m := range tests {
		data, err := Encode(m)
		if err != nil {
			t.Errorf("case%d: encode: %v", i, err)
			continue
		}
		got, err := Decode(data)
		if err != nil {
			t.Errorf("case%d: decode: %v", i, err)
			continue
		}
		if !got.Equal(&m) {
			t.Errorf("case%d: got %+v, want %+v", i, got, m)
		}
		assert.Equal(t, m, got, "case%d", i)
	}
}

func TestEncodeSortsOptions(t *testing.T) {
	m := Message{
		Type:      Confirmable,
		Code:      codes.PUT,
		MessageID: 9,
		Options: []Option{
			{ID: message.ContentFormat, Value: []byte{0x32}},
			{ID: message.URIPath, Value: []byte("a")},
			{ID: message.URIPath, Value: []byte("b")},
		},
	}
	data, err := Encode(m)
	require.NoError(t, err)
	// 原始消息的选项顺序不变
	assert.Equal(t, message.ContentFormat, m.Options[0].ID)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "a/b", got.Path())
	cf, ok := got.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, message.AppJSON, cf)
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(Message{Token: make([]byte, 9)})
	assert.ErrorIs(t, err, errTokenTooLong)

	_, err = Encode(Message{Code: codes.Code(256)})
	assert.ErrorIs(t, err, errInvalidCode)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		data []byte
		err  error
	}{
		{[]byte{0x40, 0x01, 0x00}, errShortPacket},
		{[]byte{0x80, 0x01, 0x00, 0x01}, errInvalidVersion},
		{[]byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, errInvalidTokenLength},
		{[]byte{0x42, 0x01, 0x00, 0x01, 0xaa}, errTruncated},
		{[]byte{0x40, 0x01, 0x00, 0x01, 0xb5, 'a'}, errTruncated},
		{[]byte{0x40, 0x01, 0x00, 0x01, 0xf0}, errReservedNibble},
		{[]byte{0x40, 0x01, 0x00, 0x01, 0x0f}, errReservedNibble},
		{[]byte{0x40, 0x01, 0x00, 0x01, 0xd0}, errTruncated},
		{[]byte{0x40, 0x01, 0x00, 0x01, 0xff}, errEmptyPayload},
		{[]byte{0x41, 0x00, 0x00, 0x01, 0xaa}, errEmptyWithContent},
		{[]byte{0x60, 0x00, 0x00, 0x01, 0xff, 0x01}, errEmptyWithContent},
	}
	for i, tt := range tests {
		_, err := Decode(tt.data)
		var malformed *MalformedMessageError
		if !errors.As(err, &malformed) {
			t.Errorf("case%d: got %v, want MalformedMessageError", i, err)
			continue
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("case%d: got %v, want %v", i, err, tt.err)
		}
	}
}

func TestDecodeInterop(t *testing.T) {
	req := NewRequest(codes.PUT, "iot_publisher/sensor1")
	req.MessageID = 0x0102
	req.Token = []byte{0x0a, 0x0b}
	req.SetContentFormat(message.TextPlain)
	req.Payload = []byte("23.5")
	data, err := Encode(req)
	require.NoError(t, err)

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()
	_, err = msg.UnmarshalWithDecoder(coder.DefaultCoder, data)
	require.NoError(t, err)

	assert.Equal(t, codes.PUT, msg.Code())
	assert.EqualValues(t, 0x0102, msg.MessageID())
	assert.Equal(t, []byte{0x0a, 0x0b}, []byte(msg.Token()))
	path, err := msg.Options().Path()
	require.NoError(t, err)
	assert.Equal(t, "/iot_publisher/sensor1", path)
	cf, err := msg.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, message.TextPlain, cf)
	body, err := msg.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, []byte("23.5"), body)
}
