package util

var BigEndian bigEndian

type bigEndian struct{}

// Uint 解析最多4字节的变长无符号整数，CoAP uint类型的option使用这种编码
func (bigEndian) Uint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

// AppendUint 以最短长度追加v，0编码为空
func (bigEndian) AppendUint(b []byte, v uint32) []byte {
	switch {
	case v == 0:
		return b
	case v <= 0xff:
		return append(b, byte(v))
	case v <= 0xffff:
		return append(b, byte(v>>8), byte(v))
	case v <= 0xffffff:
		return append(b, byte(v>>16), byte(v>>8), byte(v))
	}
	return append(b,
		byte(v>>24),
		byte(v>>16),
		byte(v>>8),
		byte(v),
	)
}
