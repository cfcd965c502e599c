package credentials

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"
)

// loadCertificates 将byte切片表示的certificates转换为x509.Certificate对象切片
func loadCertificates(rawCertificates [][]byte) ([]*x509.Certificate, error) {
	if len(rawCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}

	certs := make([]*x509.Certificate, 0, len(rawCertificates))
	for _, rawCert := range rawCertificates {
		cert, err := x509.ParseCertificate(rawCert)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// VerifyChain 按照本端角色校验对端证书链，服务端要求clientAuth用途
func (c *Credentials) VerifyChain(rawCertificates [][]byte) ([][]*x509.Certificate, error) {
	if c.roots == nil {
		return nil, ErrNoRoots
	}
	certs, err := loadCertificates(rawCertificates)
	if err != nil {
		return nil, err
	}

	intermediateCAPool := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediateCAPool.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         c.roots,
		CurrentTime:   time.Now(),
		Intermediates: intermediateCAPool,
	}
	if c.role == Server {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	return certs[0].Verify(opts)
}

// MatchRawKey 校验对端的原始公钥。trustedKeys为空时信任任意公钥：
// 服务端要求客户端的证书是自签名的包装证书，客户端只取服务端证书中的公钥，
// 服务端同时支持X509时出示的是CA签发的证书
func (c *Credentials) MatchRawKey(rawCertificates [][]byte) error {
	if c.rawKey == nil {
		return ErrNoRawKey
	}
	certs, err := loadCertificates(rawCertificates)
	if err != nil {
		return err
	}
	leaf := certs[0]

	if len(c.trustedKeys) == 0 {
		if c.role == Client {
			return nil
		}
		if err := leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature); err != nil {
			return ErrNotSelfSigned
		}
		return nil
	}
	for _, key := range c.trustedKeys {
		if bytes.Equal(key, leaf.RawSubjectPublicKeyInfo) {
			return nil
		}
	}
	return ErrUntrustedKey
}

// SubjectIdentity 证书Subject的CommonName，没有时退化为公钥摘要
func SubjectIdentity(rawCertificates [][]byte) string {
	if len(rawCertificates) == 0 {
		return ""
	}
	cert, err := x509.ParseCertificate(rawCertificates[0])
	if err != nil {
		return ""
	}
	if cert.Subject.CommonName == "" {
		return KeyFingerprint(cert.RawSubjectPublicKeyInfo)
	}
	return cert.Subject.CommonName
}

// RawKeyIdentity 原始公钥没有名字，用摘要标识
func RawKeyIdentity(rawCertificates [][]byte) string {
	if len(rawCertificates) == 0 {
		return ""
	}
	cert, err := x509.ParseCertificate(rawCertificates[0])
	if err != nil {
		return ""
	}
	return KeyFingerprint(cert.RawSubjectPublicKeyInfo)
}

// KeyFingerprint 以十六进制表示的SPKI摘要前缀
func KeyFingerprint(spki []byte) string {
	sum := sha256.Sum256(spki)
	return "rpk:" + hex.EncodeToString(sum[:8])
}
