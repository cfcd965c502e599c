package coap

import (
	"encoding/binary"
	"sort"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// 消息格式
/*
	|       0       |       1       |       2       |       3       |
	|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|Ver| T |  TKL  |      Code     |          Message ID           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Token (if any, TKL bytes) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Options (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|1 1 1 1 1 1 1 1|    Payload (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

const (
	headerLength = 4

	extend8  = 13
	extend16 = 14
	reserved = 15

	maxOptionLength = 0xffff + 269
)

// Encode 不修改m，选项按ID稳定排序后进行delta编码
func Encode(m Message) ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, errTokenTooLong
	}
	if m.Code > 0xff {
		return nil, errInvalidCode
	}
	if m.Type > Reset {
		return nil, errInvalidType
	}

	size := headerLength + len(m.Token) + len(m.Payload) + 1
	for _, o := range m.Options {
		size += 5 + len(o.Value)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, version<<6|byte(m.Type)<<4|byte(len(m.Token)), byte(m.Code))
	buf = binary.BigEndian.AppendUint16(buf, m.MessageID)
	buf = append(buf, m.Token...)

	options := make([]Option, len(m.Options))
	copy(options, m.Options)
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].ID < options[j].ID
	})

	var prev message.OptionID
	for _, o := range options {
		if len(o.Value) > maxOptionLength {
			return nil, errOptionTooLong
		}
		var err error
		if buf, err = appendOption(buf, uint32(o.ID-prev), o.Value); err != nil {
			return nil, err
		}
		prev = o.ID
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// extendNibble 返回4位的nibble以及扩展字节
func extendNibble(v uint32) (byte, []byte) {
	switch {
	case v < extend8:
		return byte(v), nil
	case v < 269:
		return extend8, []byte{byte(v - extend8)}
	}
	ext := make([]byte, 2)
	binary.BigEndian.PutUint16(ext, uint16(v-269))
	return extend16, ext
}

func appendOption(buf []byte, delta uint32, value []byte) ([]byte, error) {
	if delta > maxOptionLength {
		return nil, errOptionTooLong
	}
	d, dext := extendNibble(delta)
	l, lext := extendNibble(uint32(len(value)))
	buf = append(buf, d<<4|l)
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return append(buf, value...), nil
}

// Decode 解析一条完整的CoAP消息，结构错误统一返回MalformedMessageError
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < headerLength {
		return m, malformed(errShortPacket, 0)
	}
	if data[0]>>6 != version {
		return m, malformed(errInvalidVersion, 0)
	}

	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLength {
		return m, malformed(errInvalidTokenLength, 0)
	}
	m.Type = Type(data[0] >> 4 & 0x03)
	m.Code = codes.Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if m.Code == codes.Empty && (tkl != 0 || len(data) != headerLength) {
		return Message{}, malformed(errEmptyWithContent, headerLength)
	}

	off := headerLength
	if len(data) < off+tkl {
		return Message{}, malformed(errTruncated, off)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[off:off+tkl]...)
	}
	off += tkl

	var prev uint32
	for off < len(data) {
		if data[off] == payloadMarker {
			off++
			if off == len(data) {
				return Message{}, malformed(errEmptyPayload, off)
			}
			m.Payload = append([]byte(nil), data[off:]...)
			break
		}

		start := off
		d := uint32(data[off] >> 4)
		l := uint32(data[off] & 0x0f)
		off++

		var err error
		if d, off, err = readExtended(data, d, off); err != nil {
			return Message{}, malformed(err, start)
		}
		if l, off, err = readExtended(data, l, off); err != nil {
			return Message{}, malformed(err, start)
		}
		if len(data)-off < int(l) {
			return Message{}, malformed(errTruncated, start)
		}

		prev += d
		if prev > 0xffff {
			return Message{}, malformed(errInvalidOption, start)
		}
		var value []byte
		if l > 0 {
			value = append([]byte(nil), data[off:off+int(l)]...)
		}
		m.Options = append(m.Options, Option{ID: message.OptionID(prev), Value: value})
		off += int(l)
	}
	return m, nil
}

func readExtended(data []byte, nibble uint32, off int) (uint32, int, error) {
	switch nibble {
	case extend8:
		if off+1 > len(data) {
			return 0, off, errTruncated
		}
		return uint32(data[off]) + extend8, off + 1, nil
	case extend16:
		if off+2 > len(data) {
			return 0, off, errTruncated
		}
		return uint32(binary.BigEndian.Uint16(data[off:])) + 269, off + 2, nil
	case reserved:
		return 0, off, errReservedNibble
	}
	return nibble, off, nil
}
