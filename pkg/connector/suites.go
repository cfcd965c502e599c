package connector

import (
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/handshake"
	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"github.com/yly97/coapdtls/pkg/mode"
)

var (
	pskSuites = []dtls.CipherSuiteID{
		dtls.TLS_PSK_WITH_AES_128_CCM_8,
		dtls.TLS_PSK_WITH_AES_128_CCM,
		dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
		dtls.TLS_PSK_WITH_AES_128_CBC_SHA256,
	}
	ecdhePSKSuites = []dtls.CipherSuiteID{
		dtls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256,
	}
	certificateSuites = []dtls.CipherSuiteID{
		dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
		dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM,
		dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		dtls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	}
)

// suiteKind 密码套件对应的密钥交换方式，证书套件统一用X509表示
var suiteKind = func() map[dtls.CipherSuiteID]mode.AuthMode {
	m := make(map[dtls.CipherSuiteID]mode.AuthMode)
	for _, id := range pskSuites {
		m[id] = mode.PSK
	}
	for _, id := range ecdhePSKSuites {
		m[id] = mode.ECDHEPSK
	}
	for _, id := range certificateSuites {
		m[id] = mode.X509
	}
	return m
}()

// cipherSuites 按照集合中的方式组合密码套件，顺序即优先级
func cipherSuites(modes mode.Set) []dtls.CipherSuiteID {
	var suites []dtls.CipherSuiteID
	if modes.Has(mode.ECDHEPSK) {
		suites = append(suites, ecdhePSKSuites...)
	}
	if modes.Has(mode.PSK) {
		suites = append(suites, pskSuites...)
	}
	if modes.Certificate() {
		suites = append(suites, certificateSuites...)
	}
	return suites
}

func clientAuthType(p mode.ClientAuthPolicy) dtls.ClientAuthType {
	switch p {
	case mode.WantClientAuth:
		return dtls.RequestClientCert
	case mode.NoClientAuth:
		return dtls.NoClientCert
	}
	return dtls.RequireAnyClientCert
}

// isClientHello 新的对端必须以ClientHello开始，其他数据报不会创建会话
func isClientHello(packet []byte) bool {
	pkts, err := recordlayer.UnpackDatagram(packet)
	if err != nil || len(pkts) < 1 {
		return false
	}
	h := &recordlayer.Header{}
	if err := h.Unmarshal(pkts[0]); err != nil {
		return false
	}
	if h.ContentType != protocol.ContentTypeHandshake || len(pkts[0]) < recordlayer.HeaderSize+handshake.HeaderLength {
		return false
	}
	hh := &handshake.Header{}
	if err := hh.Unmarshal(pkts[0][recordlayer.HeaderSize:]); err != nil {
		return false
	}
	return hh.Type == handshake.TypeClientHello
}

// isCoAP 明文模式下只检查版本号和最小长度
func isCoAP(packet []byte) bool {
	return len(packet) >= 4 && packet[0]>>6 == 1
}

// serverHelloSuite 从一个数据报中找到ServerHello并返回其中选择的密码套件
func serverHelloSuite(datagram []byte) (dtls.CipherSuiteID, bool) {
	records, err := recordlayer.UnpackDatagram(datagram)
	if err != nil {
		return 0, false
	}
	for _, r := range records {
		h := &recordlayer.Header{}
		if err := h.Unmarshal(r); err != nil {
			continue
		}
		if h.ContentType != protocol.ContentTypeHandshake || h.Epoch != 0 {
			continue
		}
		body := r[recordlayer.HeaderSize:]
		hh := &handshake.Header{}
		if err := hh.Unmarshal(body); err != nil || hh.Type != handshake.TypeServerHello {
			continue
		}
		end := handshake.HeaderLength + int(hh.FragmentLength)
		if hh.FragmentOffset != 0 || end > len(body) {
			continue
		}
		hello := &handshake.MessageServerHello{}
		if err := hello.Unmarshal(body[handshake.HeaderLength:end]); err != nil || hello.CipherSuiteID == nil {
			continue
		}
		return dtls.CipherSuiteID(*hello.CipherSuiteID), true
	}
	return 0, false
}
