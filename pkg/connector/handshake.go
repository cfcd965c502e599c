package connector

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"

	"github.com/pion/dtls/v2"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/mode"
)

// recorder 在握手期间观察经过的数据报，记录ServerHello中选择的密码套件。
// 服务端从写方向观察，客户端从读方向观察
type recorder struct {
	net.Conn
	inbound bool

	mu      sync.Mutex
	suite   dtls.CipherSuiteID
	found   bool
	stopped bool
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.Conn.Read(p)
	if r.inbound && n > 0 {
		r.observe(p[:n])
	}
	return n, err
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.inbound {
		r.observe(p)
	}
	return r.Conn.Write(p)
}

func (r *recorder) observe(datagram []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.found || r.stopped {
		return
	}
	if id, ok := serverHelloSuite(datagram); ok {
		r.suite, r.found = id, true
	}
}

// stop 握手完成之后不再解析数据报
func (r *recorder) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *recorder) cipherSuite() (dtls.CipherSuiteID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suite, r.found
}

// negotiation 握手协商的结果
type negotiation struct {
	mode      mode.AuthMode
	suite     dtls.CipherSuiteID
	identity  string
	anonymous bool
	downgrade error // 降级为匿名会话的原因
}

// handshakeState 保存单次握手中回调的结果，每个会话一个
type handshakeState struct {
	modes  mode.Set
	creds  *credentials.Credentials
	policy mode.ClientAuthPolicy

	mu          sync.Mutex
	pskUsed     bool
	pskIdentity string
	verified    bool
	peerMode    mode.AuthMode
	peerID      string
	peerErr     error
}

func newHandshakeState(modes mode.Set, creds *credentials.Credentials) *handshakeState {
	return &handshakeState{
		modes:  modes,
		creds:  creds,
		policy: modes.ClientAuth(),
	}
}

// config 复制基础配置并替换其中的回调，回调的结果记录在h中
func (h *handshakeState) config(base *dtls.Config) *dtls.Config {
	cfg := *base
	if base.PSK != nil {
		if h.creds.Role() == credentials.Server {
			cfg.PSK = h.serverPSK
		} else {
			cfg.PSK = h.clientPSK
		}
	}
	if h.modes.Certificate() {
		cfg.VerifyPeerCertificate = h.verifyPeer
	}
	return &cfg
}

// serverPSK 服务端收到的hint是客户端的identity
func (h *handshakeState) serverPSK(identity []byte) ([]byte, error) {
	secret, err := h.creds.PSK().Lookup(identity)
	h.mu.Lock()
	h.pskUsed = true
	h.pskIdentity = string(identity)
	h.mu.Unlock()
	return secret, err
}

func (h *handshakeState) clientPSK([]byte) ([]byte, error) {
	identity, secret := h.creds.ClientPSK()
	h.mu.Lock()
	h.pskUsed = true
	h.pskIdentity = identity
	h.mu.Unlock()
	return secret, nil
}

// verifyPeer 依次尝试证书链和原始公钥，WANT_AUTH下校验失败不终止握手
func (h *handshakeState) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	var lastErr error = errNoClientIdentity
	if h.creds.Roots() != nil {
		_, err := h.creds.VerifyChain(rawCerts)
		if err == nil {
			h.record(mode.X509, credentials.SubjectIdentity(rawCerts), nil)
			return nil
		}
		lastErr = err
	}
	if h.modes.Has(mode.RPK) {
		err := h.creds.MatchRawKey(rawCerts)
		if err == nil {
			h.record(mode.RPK, credentials.RawKeyIdentity(rawCerts), nil)
			return nil
		}
		lastErr = err
	}

	if h.creds.Role() == credentials.Server {
		switch h.policy {
		case mode.WantClientAuth:
			h.record(0, "", lastErr)
			return nil
		case mode.NoClientAuth:
			return nil
		}
	}
	return &HandshakeVerificationError{Err: lastErr}
}

func (h *handshakeState) record(m mode.AuthMode, identity string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.peerErr = err
		return
	}
	h.verified = true
	h.peerMode = m
	h.peerID = identity
}

// negotiate 根据密码套件和回调结果确定会话的认证方式
func (h *handshakeState) negotiate(suite dtls.CipherSuiteID, observed bool) (*negotiation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind, ok := suiteKind[suite]
	if !observed || !ok {
		// 没有观察到ServerHello时只能根据回调推断
		switch {
		case h.pskUsed && h.modes.Has(mode.PSK):
			kind = mode.PSK
		case h.pskUsed:
			kind = mode.ECDHEPSK
		default:
			kind = mode.X509
		}
	}

	n := &negotiation{suite: suite}
	switch kind {
	case mode.PSK, mode.ECDHEPSK:
		n.mode = kind
		n.identity = h.pskIdentity
	default:
		switch {
		case h.verified && h.modes.Has(h.peerMode):
			n.mode = h.peerMode
			n.identity = h.peerID
		case h.creds.Role() == credentials.Client:
			return nil, &HandshakeVerificationError{Err: errNoClientIdentity}
		case h.policy == mode.NoClientAuth:
			n.mode = mode.NoAuth
		case h.policy == mode.WantClientAuth:
			n.mode = mode.WantAuth
			n.identity = h.peerID
			n.anonymous = !h.verified
			if n.anonymous {
				n.downgrade = h.peerErr
				if n.downgrade == nil {
					n.downgrade = errNoClientIdentity
				}
			}
		default:
			// 有PSK套件时服务端只能请求而不能强制客户端证书
			return nil, &HandshakeVerificationError{Err: errNoClientIdentity}
		}
	}

	if !h.modes.Has(n.mode) {
		return nil, &ModeNotNegotiatedError{Mode: n.mode, Modes: h.modes}
	}
	return n, nil
}

// serverConfig 所有会话共享的基础配置
func serverConfig(config Config) (*dtls.Config, error) {
	suites := cipherSuites(config.Modes)
	if len(suites) == 0 {
		return nil, errNoCipherSuites
	}
	creds := config.Credentials

	cfg := &dtls.Config{
		CipherSuites:         suites,
		ExtendedMasterSecret: dtls.RequestExtendedMasterSecret,
		FlightInterval:       config.FlightInterval,
		MTU:                  config.MTU,
		LoggerFactory:        config.LoggerFactory,
		ClientAuth:           dtls.NoClientCert,
	}
	if config.Modes.PreShared() {
		if creds.PSK() == nil {
			return nil, errNoCredentials
		}
		cfg.PSK = func([]byte) ([]byte, error) { return nil, errNoCredentials }
	}
	if config.Modes.Certificate() {
		cert := creds.LocalCertificate()
		if cert == nil {
			return nil, errNoCredentials
		}
		cfg.Certificates = []tls.Certificate{*cert}
		cfg.ClientAuth = clientAuthType(config.Modes.ClientAuth())
		if config.Modes.PreShared() && cfg.ClientAuth == dtls.RequireAnyClientCert {
			cfg.ClientAuth = dtls.RequestClientCert
		}
	}
	return cfg, nil
}

// clientConfig 客户端出示本地证书，服务端证书由verifyPeer校验
func clientConfig(config ClientConfig) (*dtls.Config, error) {
	suites := cipherSuites(config.Modes)
	if len(suites) == 0 {
		return nil, errNoCipherSuites
	}
	creds := config.Credentials

	cfg := &dtls.Config{
		CipherSuites:         suites,
		ExtendedMasterSecret: dtls.RequestExtendedMasterSecret,
		FlightInterval:       config.FlightInterval,
		MTU:                  config.MTU,
		LoggerFactory:        config.LoggerFactory,
		ServerName:           config.ServerName,
		InsecureSkipVerify:   true,
	}
	if config.Modes.PreShared() {
		identity, secret := creds.ClientPSK()
		if identity == "" || len(secret) == 0 {
			return nil, errNoCredentials
		}
		cfg.PSK = func([]byte) ([]byte, error) { return secret, nil }
		cfg.PSKIdentityHint = []byte(identity)
	}
	if config.Modes.Certificate() {
		if cert := creds.LocalCertificate(); cert != nil {
			cfg.Certificates = []tls.Certificate{*cert}
		}
	}
	return cfg, nil
}
