package util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	errNotCertificate    = errors.New("file is not a certificate")
	errNoCertificate     = errors.New("no certificate found")
	errNoPrivateKey      = errors.New("no private key found")
	errNoPublicKey       = errors.New("no public key found")
	errUnsupportedKey    = errors.New("unsupported private key type")
	errEmptyIdentity     = errors.New("empty psk identity")
	errEmptyPreSharedKey = errors.New("empty pre-shared key")
)

// LoadCertificates 从文件中加载证书
func LoadCertificates(path string) (*tls.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var certificate tls.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, errNotCertificate
		}
		certificate.Certificate = append(certificate.Certificate, block.Bytes)
		data = rest
	}

	if len(certificate.Certificate) == 0 {
		return nil, errNoCertificate
	}

	return &certificate, nil
}

// LoadCertPool 加载信任的根证书
func LoadCertPool(path string) (*x509.CertPool, error) {
	certificate, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, raw := range certificate.Certificate {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

// LoadKeyPair 加载证书链以及对应的私钥
func LoadKeyPair(certPath, keyPath string) (*tls.Certificate, error) {
	certificate, err := LoadCertificates(certPath)
	if err != nil {
		return nil, err
	}
	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}
	certificate.PrivateKey = key
	return certificate, nil
}

// LoadPrivateKey 支持PKCS#8、SEC1以及PKCS#1格式，取文件中的第一个私钥
func LoadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errNoPrivateKey
		}
		data = rest
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			switch key.(type) {
			case *ecdsa.PrivateKey, ed25519.PrivateKey, *rsa.PrivateKey:
				return key, nil
			}
			return nil, errUnsupportedKey
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		}
	}
}

// LoadPublicKeys 返回DER编码的SubjectPublicKeyInfo，证书会被转换为其中的公钥
func LoadPublicKeys(path string) ([][]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		switch block.Type {
		case "PUBLIC KEY":
			if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
				return nil, err
			}
			keys = append(keys, block.Bytes)
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			keys = append(keys, cert.RawSubjectPublicKeyInfo)
		}
	}

	if len(keys) == 0 {
		return nil, errNoPublicKey
	}
	return keys, nil
}

// LoadPreShareKeys 从json文件中加载PSK，格式为{"identity": "secret"}，
// 以"0x"开头的secret按十六进制解码
func LoadPreShareKeys(path string) (map[string][]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode psk file %s: %w", path, err)
	}

	keys := make(map[string][]byte, len(raw))
	for identity, secret := range raw {
		if identity == "" {
			return nil, errEmptyIdentity
		}
		key, err := DecodeSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("psk identity %q: %w", identity, err)
		}
		keys[identity] = key
	}
	return keys, nil
}

// DecodeSecret "0x"前缀表示十六进制，否则直接使用字符串的字节
func DecodeSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errEmptyPreSharedKey
	}
	if strings.HasPrefix(secret, "0x") {
		return hex.DecodeString(secret[2:])
	}
	return []byte(secret), nil
}
