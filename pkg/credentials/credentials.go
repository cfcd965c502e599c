package credentials

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/util"
)

// Role 决定加载哪一侧需要的凭据
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Source 凭据文件的位置，未使用的字段可以为空
type Source struct {
	PSKStoreFile string // json格式的identity->secret
	PSKIdentity  string
	PSKSecret    string

	CertificateFile string
	PrivateKeyFile  string
	TrustStoreFile  string

	RPKPrivateKeyFile string // 为空时生成临时的P-256密钥
	TrustedRPKFile    string // 为空时接受任意自签名的公钥
}

// Credentials 按照认证方式加载的凭据，Load之后只读
type Credentials struct {
	role  Role
	modes mode.Set

	psk         *PSKStore
	pskIdentity string
	pskSecret   []byte

	rawKey      *tls.Certificate
	trustedKeys [][]byte

	certificate *tls.Certificate
	roots       *x509.CertPool
}

// Load 只加载modes中的认证方式需要的材料，失败时返回CredentialLoadError
func Load(modes mode.Set, role Role, src Source) (*Credentials, error) {
	c := &Credentials{role: role, modes: modes}
	if !modes.Secure() {
		return c, nil
	}

	if modes.PreShared() {
		m := mode.PSK
		if !modes.Has(mode.PSK) {
			m = mode.ECDHEPSK
		}
		if err := c.loadPreShared(src); err != nil {
			return nil, &CredentialLoadError{Mode: m, Err: err}
		}
	}

	if modes.Has(mode.RPK) {
		if err := c.loadRawKey(src); err != nil {
			return nil, &CredentialLoadError{Mode: mode.RPK, Err: err}
		}
	}

	if c.needCertificate() {
		if err := c.loadCertificate(src); err != nil {
			return nil, &CredentialLoadError{Mode: mode.X509, Err: err}
		}
	}

	return c, nil
}

// needCertificate 只有NO_AUTH或WANT_AUTH修饰时，服务端也需要X509证书
func (c *Credentials) needCertificate() bool {
	if c.modes.Has(mode.X509) {
		return true
	}
	return c.role == Server && c.modes.Certificate() && c.modes.ServerCertificateMode() == mode.X509
}

// verifyPeer 是否需要校验对端的证书链
func (c *Credentials) verifyPeer() bool {
	return c.role == Client || c.modes.ClientAuth() != mode.NoClientAuth
}

func (c *Credentials) loadPreShared(src Source) error {
	if c.role == Client {
		if src.PSKIdentity == "" {
			return errNoPSKIdentity
		}
		secret, err := util.DecodeSecret(src.PSKSecret)
		if err != nil {
			return err
		}
		c.pskIdentity = src.PSKIdentity
		c.pskSecret = secret
		return nil
	}

	keys := make(map[string][]byte)
	if src.PSKStoreFile != "" {
		loaded, err := util.LoadPreShareKeys(src.PSKStoreFile)
		if err != nil {
			return err
		}
		keys = loaded
	}
	if src.PSKIdentity != "" {
		secret, err := util.DecodeSecret(src.PSKSecret)
		if err != nil {
			return err
		}
		keys[src.PSKIdentity] = secret
	}
	if len(keys) == 0 {
		return errEmptyPSKStore
	}
	c.psk = NewPSKStore(keys)
	log.Debugf("loaded %d psk identities", c.psk.Len())
	return nil
}

func (c *Credentials) loadRawKey(src Source) error {
	var key crypto.PrivateKey
	if src.RPKPrivateKeyFile != "" {
		k, err := util.LoadPrivateKey(src.RPKPrivateKeyFile)
		if err != nil {
			return err
		}
		key = k
	} else {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		log.Warn("no raw public key configured, generated an ephemeral P-256 key")
		key = k
	}

	// 没有RFC 7250的支持，用自签名证书携带公钥
	cert, err := selfsign.SelfSign(key)
	if err != nil {
		return err
	}
	c.rawKey = &cert

	if src.TrustedRPKFile != "" {
		keys, err := util.LoadPublicKeys(src.TrustedRPKFile)
		if err != nil {
			return err
		}
		c.trustedKeys = keys
	}
	return nil
}

func (c *Credentials) loadCertificate(src Source) error {
	// 客户端可以不出示证书，只用信任锚校验服务端
	if src.CertificateFile != "" || c.role == Server {
		if src.CertificateFile == "" || src.PrivateKeyFile == "" {
			return errNoCertificate
		}
		cert, err := util.LoadKeyPair(src.CertificateFile, src.PrivateKeyFile)
		if err != nil {
			return err
		}
		c.certificate = cert
	}

	if src.TrustStoreFile == "" {
		if c.verifyPeer() {
			return errNoTrustAnchors
		}
		return nil
	}
	roots, err := util.LoadCertPool(src.TrustStoreFile)
	if err != nil {
		return err
	}
	c.roots = roots
	return nil
}

func (c *Credentials) Role() Role {
	return c.role
}

func (c *Credentials) Modes() mode.Set {
	return c.modes
}

// PSK 服务端的PSK表，客户端为nil
func (c *Credentials) PSK() *PSKStore {
	return c.psk
}

// ClientPSK 客户端的identity和secret
func (c *Credentials) ClientPSK() (string, []byte) {
	return c.pskIdentity, c.pskSecret
}

// RawKey 包装公钥的自签名证书
func (c *Credentials) RawKey() *tls.Certificate {
	return c.rawKey
}

func (c *Credentials) Certificate() *tls.Certificate {
	return c.certificate
}

func (c *Credentials) Roots() *x509.CertPool {
	return c.roots
}

// LocalCertificate 证书握手中出示的证书，nil表示不出示
func (c *Credentials) LocalCertificate() *tls.Certificate {
	if c.role == Server && c.modes.ServerCertificateMode() == mode.RPK {
		return c.rawKey
	}
	if c.certificate != nil {
		return c.certificate
	}
	return c.rawKey
}
