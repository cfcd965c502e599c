package connector

import (
	"fmt"
	"testing"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/handshake"
	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yly97/coapdtls/pkg/mode"
)

func marshalRecord(t *testing.T, msg handshake.Message) []byte {
	t.Helper()
	record := &recordlayer.RecordLayer{
		Header: recordlayer.Header{
			Version: protocol.Version1_2,
		},
		Content: &handshake.Handshake{
			Message: msg,
		},
	}
	raw, err := record.Marshal()
	require.NoError(t, err)
	return raw
}

func clientHello(t *testing.T) []byte {
	return marshalRecord(t, &handshake.MessageClientHello{
		Version:            protocol.Version1_2,
		CipherSuiteIDs:     []uint16{uint16(dtls.TLS_PSK_WITH_AES_128_CCM_8)},
		CompressionMethods: []*protocol.CompressionMethod{{}},
	})
}

func serverHello(t *testing.T, id dtls.CipherSuiteID) []byte {
	suite := uint16(id)
	return marshalRecord(t, &handshake.MessageServerHello{
		Version:           protocol.Version1_2,
		CipherSuiteID:     &suite,
		CompressionMethod: &protocol.CompressionMethod{},
	})
}

func TestIsClientHello(t *testing.T) {
	tests := []struct {
		packet []byte
		expect bool
	}{
		{clientHello(t), true},
		{serverHello(t, dtls.TLS_PSK_WITH_AES_128_CCM_8), false},
		{[]byte{0x16, 0xfe, 0xfd}, false},
		{[]byte{0x40, 0x01, 0x12, 0x34}, false},
		{nil, false},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			assert.Equal(t, test.expect, isClientHello(test.packet))
		})
	}
}

func TestIsCoAP(t *testing.T) {
	assert.True(t, isCoAP([]byte{0x40, 0x01, 0x12, 0x34}))
	assert.False(t, isCoAP([]byte{0x40, 0x01}))
	assert.False(t, isCoAP(clientHello(t)))
}

func TestServerHelloSuite(t *testing.T) {
	for _, id := range []dtls.CipherSuiteID{
		dtls.TLS_PSK_WITH_AES_128_CCM_8,
		dtls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256,
		dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	} {
		got, ok := serverHelloSuite(serverHello(t, id))
		require.True(t, ok)
		assert.Equal(t, id, got)
	}

	// 一个数据报中ServerHello之后还有其他记录
	datagram := append(serverHello(t, dtls.TLS_PSK_WITH_AES_128_CCM), clientHello(t)...)
	got, ok := serverHelloSuite(datagram)
	require.True(t, ok)
	assert.Equal(t, dtls.TLS_PSK_WITH_AES_128_CCM, got)

	_, ok = serverHelloSuite(clientHello(t))
	assert.False(t, ok)
	_, ok = serverHelloSuite([]byte{0x01, 0x02})
	assert.False(t, ok)
}

func TestCipherSuites(t *testing.T) {
	assert.Equal(t, pskSuites, cipherSuites(mode.NewSet(mode.PSK)))
	assert.Empty(t, cipherSuites(mode.NewSet(mode.NoDTLS)))

	suites := cipherSuites(mode.Default())
	assert.Len(t, suites, len(pskSuites)+len(ecdhePSKSuites)+len(certificateSuites))
	assert.Equal(t, ecdhePSKSuites[0], suites[0])

	// 只有WANT_AUTH时服务端也使用证书套件
	assert.Equal(t, certificateSuites, cipherSuites(mode.NewSet(mode.WantAuth)))
}

func TestClientAuthType(t *testing.T) {
	assert.Equal(t, dtls.RequireAnyClientCert, clientAuthType(mode.RequireClientAuth))
	assert.Equal(t, dtls.RequestClientCert, clientAuthType(mode.WantClientAuth))
	assert.Equal(t, dtls.NoClientCert, clientAuthType(mode.NoClientAuth))
}
