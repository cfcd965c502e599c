package credentials_test

import (
	"crypto/x509"
	"errors"
	"testing"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/credentials/credtest"
	"github.com/yly97/coapdtls/pkg/mode"
)

func TestLoadOnlyWhatModesNeed(t *testing.T) {
	creds, err := credentials.Load(mode.NewSet(mode.PSK), credentials.Server, credentials.Source{
		PSKIdentity:     "password",
		PSKSecret:       "sesame",
		CertificateFile: "/does/not/exist.pem",
	})
	require.NoError(t, err)
	assert.Nil(t, creds.Certificate())
	assert.Nil(t, creds.RawKey())

	secret, err := creds.PSK().Lookup([]byte("password"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sesame"), secret)

	_, err = creds.PSK().Lookup([]byte("nobody"))
	var unknown *credentials.UnknownIdentityError
	assert.ErrorAs(t, err, &unknown)
}

func TestLoadPSKStoreFile(t *testing.T) {
	dir := t.TempDir()
	path := credtest.WriteFile(t, dir, "psk.json", []byte(`{"device-1":"0x00112233","device-2":"secret"}`))

	creds, err := credentials.Load(mode.NewSet(mode.ECDHEPSK), credentials.Server, credentials.Source{PSKStoreFile: path})
	require.NoError(t, err)
	assert.Equal(t, 2, creds.PSK().Len())

	secret, err := creds.PSK().Lookup([]byte("device-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33}, secret)
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		modes mode.Set
		role  credentials.Role
		src   credentials.Source
		want  mode.AuthMode
	}{
		{mode.NewSet(mode.PSK), credentials.Server, credentials.Source{}, mode.PSK},
		{mode.NewSet(mode.ECDHEPSK), credentials.Client, credentials.Source{PSKSecret: "sesame"}, mode.ECDHEPSK},
		{mode.NewSet(mode.X509), credentials.Server, credentials.Source{}, mode.X509},
		{mode.NewSet(mode.RPK), credentials.Server, credentials.Source{RPKPrivateKeyFile: "/does/not/exist.pem"}, mode.RPK},
		{mode.NewSet(mode.NoAuth), credentials.Server, credentials.Source{}, mode.X509},
	}
	for i, tt := range tests {
		_, err := credentials.Load(tt.modes, tt.role, tt.src)
		var loadErr *credentials.CredentialLoadError
		if !errors.As(err, &loadErr) {
			t.Errorf("case%d: got %v, want CredentialLoadError", i, err)
			continue
		}
		if loadErr.Mode != tt.want {
			t.Errorf("case%d: got mode %s, want %s", i, loadErr.Mode, tt.want)
		}
		if !errors.Is(err, mode.ErrConfiguration) {
			t.Errorf("case%d: %v is not a configuration error", i, err)
		}
	}
}

func TestNoDTLSLoadsNothing(t *testing.T) {
	creds, err := credentials.Load(mode.NewSet(mode.NoDTLS), credentials.Server, credentials.Source{})
	require.NoError(t, err)
	assert.Nil(t, creds.PSK())
	assert.Nil(t, creds.LocalCertificate())
}

func TestX509RequiresTrustAnchors(t *testing.T) {
	dir := t.TempDir()
	ca := credtest.NewAuthority(t, "ca")
	certPath, keyPath := credtest.WriteKeyPair(t, dir, "server", ca.Issue(t, "server", x509.ExtKeyUsageServerAuth))

	src := credentials.Source{CertificateFile: certPath, PrivateKeyFile: keyPath}
	_, err := credentials.Load(mode.NewSet(mode.X509), credentials.Server, src)
	require.Error(t, err)

	// 不校验客户端时不需要信任锚
	creds, err := credentials.Load(mode.NewSet(mode.X509, mode.NoAuth), credentials.Server, src)
	require.NoError(t, err)
	assert.NotNil(t, creds.Certificate())
	assert.Nil(t, creds.Roots())
}

func TestVerifyChain(t *testing.T) {
	dir := t.TempDir()
	ca := credtest.NewAuthority(t, "ca")
	other := credtest.NewAuthority(t, "other")
	certPath, keyPath := credtest.WriteKeyPair(t, dir, "server", ca.Issue(t, "server", x509.ExtKeyUsageServerAuth))

	creds, err := credentials.Load(mode.NewSet(mode.X509), credentials.Server, credentials.Source{
		CertificateFile: certPath,
		PrivateKeyFile:  keyPath,
		TrustStoreFile:  ca.WriteAuthority(t, dir),
	})
	require.NoError(t, err)

	good := ca.Issue(t, "client-1", x509.ExtKeyUsageClientAuth)
	chains, err := creds.VerifyChain(good.Certificate)
	require.NoError(t, err)
	assert.NotEmpty(t, chains)
	assert.Equal(t, "client-1", credentials.SubjectIdentity(good.Certificate))

	// 服务端证书不能用于客户端认证
	_, err = creds.VerifyChain(ca.Issue(t, "server-2", x509.ExtKeyUsageServerAuth).Certificate)
	assert.Error(t, err)

	_, err = creds.VerifyChain(other.Issue(t, "intruder", x509.ExtKeyUsageClientAuth).Certificate)
	assert.Error(t, err)

	_, err = creds.VerifyChain(nil)
	assert.ErrorIs(t, err, credentials.ErrNoPeerCertificate)
}

func TestMatchRawKey(t *testing.T) {
	dir := t.TempDir()
	peer, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)
	stranger, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)

	anyKey, err := credentials.Load(mode.NewSet(mode.RPK), credentials.Server, credentials.Source{})
	require.NoError(t, err)
	require.NotNil(t, anyKey.RawKey())
	assert.Equal(t, anyKey.RawKey(), anyKey.LocalCertificate())
	assert.NoError(t, anyKey.MatchRawKey(peer.Certificate))
	assert.NoError(t, anyKey.MatchRawKey(stranger.Certificate))

	ca := credtest.NewAuthority(t, "ca")
	assert.ErrorIs(t, anyKey.MatchRawKey(ca.Issue(t, "signed", x509.ExtKeyUsageClientAuth).Certificate), credentials.ErrNotSelfSigned)

	pinned, err := credentials.Load(mode.NewSet(mode.RPK), credentials.Server, credentials.Source{
		TrustedRPKFile: credtest.WriteFile(t, dir, "trusted.pem", credtest.PublicKeyPEM(t, peer)),
	})
	require.NoError(t, err)
	assert.NoError(t, pinned.MatchRawKey(peer.Certificate))
	assert.ErrorIs(t, pinned.MatchRawKey(stranger.Certificate), credentials.ErrUntrustedKey)
	assert.Contains(t, credentials.RawKeyIdentity(peer.Certificate), "rpk:")
}

func TestClientMatchesAnyServerKey(t *testing.T) {
	dir := t.TempDir()
	ca := credtest.NewAuthority(t, "ca")
	server := ca.Issue(t, "server.local", x509.ExtKeyUsageServerAuth)
	stranger, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)

	// 服务端同时支持X509时出示CA签发的证书，客户端只使用其中的公钥
	anyKey, err := credentials.Load(mode.NewSet(mode.RPK), credentials.Client, credentials.Source{})
	require.NoError(t, err)
	assert.NoError(t, anyKey.MatchRawKey(server.Certificate))
	assert.NoError(t, anyKey.MatchRawKey(stranger.Certificate))
	assert.ErrorIs(t, anyKey.MatchRawKey(nil), credentials.ErrNoPeerCertificate)

	pinned, err := credentials.Load(mode.NewSet(mode.RPK), credentials.Client, credentials.Source{
		TrustedRPKFile: credtest.WriteFile(t, dir, "trusted.pem", credtest.PublicKeyPEM(t, server)),
	})
	require.NoError(t, err)
	assert.NoError(t, pinned.MatchRawKey(server.Certificate))
	assert.ErrorIs(t, pinned.MatchRawKey(stranger.Certificate), credentials.ErrUntrustedKey)
}
