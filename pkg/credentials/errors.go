package credentials

import (
	"errors"
	"fmt"

	"github.com/yly97/coapdtls/pkg/mode"
)

var (
	errNoPSKIdentity  = errors.New("no psk identity configured")
	errEmptyPSKStore  = errors.New("psk store is empty")
	errNoCertificate  = errors.New("certificate and private key are required")
	errNoTrustAnchors = errors.New("trust anchors are required to verify peers")

	ErrNoPeerCertificate = errors.New("peer sent no certificate")
	ErrNotSelfSigned     = errors.New("raw public key is not self-signed")
	ErrUntrustedKey      = errors.New("raw public key is not trusted")
	ErrNoRawKey          = errors.New("raw public key mode is not loaded")
	ErrNoRoots           = errors.New("no trust anchors loaded")
)

// CredentialLoadError 属于配置错误，启动阶段返回
type CredentialLoadError struct {
	Mode mode.AuthMode
	Err  error
}

func (e *CredentialLoadError) Error() string {
	return fmt.Sprintf("load %s credentials: %v", e.Mode, e.Err)
}

func (e *CredentialLoadError) Unwrap() error {
	return e.Err
}

func (e *CredentialLoadError) Is(target error) bool {
	return target == mode.ErrConfiguration
}

type UnknownIdentityError struct {
	Identity string
}

func (e *UnknownIdentityError) Error() string {
	return fmt.Sprintf("unknown psk identity %q", e.Identity)
}
