package coap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/yly97/coapdtls/pkg/util"
)

// Type 消息类型
type Type uint8

const (
	Confirmable Type = iota
	NonConfirmable
	Acknowledgement
	Reset
)

var typeNames = [...]string{
	Confirmable:     "CON",
	NonConfirmable:  "NON",
	Acknowledgement: "ACK",
	Reset:           "RST",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown (0x%x)", uint8(t))
}

const (
	version        = 1
	maxTokenLength = 8
	payloadMarker  = 0xff
)

// Option 选项值保持原始字节，uint和string类型由辅助方法转换
type Option struct {
	ID    message.OptionID
	Value []byte
}

// Message CoAP消息，Options按ID升序排列，同一ID保持出现顺序
type Message struct {
	Type      Type
	Code      codes.Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

func (m Message) String() string {
	if len(m.Token) == 0 {
		return fmt.Sprintf("%s,%s,%d", m.Type, m.Code, m.MessageID)
	}
	return fmt.Sprintf("%s,%s,%d,%x", m.Type, m.Code, m.MessageID, m.Token)
}

// IsRequest class为0且不是空消息
func (m *Message) IsRequest() bool {
	return m.Code != codes.Empty && m.Code>>5 == 0
}

// IsEmpty 空消息只有4字节头部
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

func (m *Message) AddOption(id message.OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

func (m *Message) DelOption(id message.OptionID) {
	var options []Option
	for _, o := range m.Options {
		if o.ID != id {
			options = append(options, o)
		}
	}
	m.Options = options
}

func (m *Message) SetOption(id message.OptionID, value []byte) {
	m.DelOption(id)
	m.AddOption(id, value)
}

func (m *Message) Option(id message.OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

func (m *Message) OptionValues(id message.OptionID) [][]byte {
	var values [][]byte
	for _, o := range m.Options {
		if o.ID == id {
			values = append(values, o.Value)
		}
	}
	return values
}

// Path 由Uri-Path选项拼接，不带前导"/"
func (m *Message) Path() string {
	segments := m.OptionValues(message.URIPath)
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, "/")
}

// SetPath 空的路径段会被忽略
func (m *Message) SetPath(path string) {
	m.DelOption(message.URIPath)
	for _, s := range strings.Split(path, "/") {
		if s == "" {
			continue
		}
		m.AddOption(message.URIPath, []byte(s))
	}
}

func (m *Message) ContentFormat() (message.MediaType, bool) {
	v, ok := m.Option(message.ContentFormat)
	if !ok {
		return 0, false
	}
	return message.MediaType(util.BigEndian.Uint(v)), true
}

func (m *Message) SetContentFormat(mt message.MediaType) {
	m.SetOption(message.ContentFormat, util.BigEndian.AppendUint(nil, uint32(mt)))
}

// Equal 比较所有字段，nil和空切片视为相同
func (m *Message) Equal(o *Message) bool {
	if m.Type != o.Type || m.Code != o.Code || m.MessageID != o.MessageID {
		return false
	}
	if !bytes.Equal(m.Token, o.Token) || !bytes.Equal(m.Payload, o.Payload) {
		return false
	}
	if len(m.Options) != len(o.Options) {
		return false
	}
	for i := range m.Options {
		if m.Options[i].ID != o.Options[i].ID || !bytes.Equal(m.Options[i].Value, o.Options[i].Value) {
			return false
		}
	}
	return true
}

// EmptyAck 对CON消息的空确认
func EmptyAck(mid uint16) Message {
	return Message{Type: Acknowledgement, Code: codes.Empty, MessageID: mid}
}

// EmptyReset 拒绝无法处理的消息
func EmptyReset(mid uint16) Message {
	return Message{Type: Reset, Code: codes.Empty, MessageID: mid}
}
