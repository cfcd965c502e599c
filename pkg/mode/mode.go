package mode

import (
	"sort"
	"strings"
)

// AuthMode 服务端支持的认证方式
type AuthMode int

const (
	PSK AuthMode = iota
	ECDHEPSK
	RPK
	X509
	NoAuth   // 不要求客户端认证
	WantAuth // 请求客户端认证，但认证失败时降级为匿名
	NoDTLS   // 明文CoAP，与其他方式互斥
)

var modeNames = [...]string{
	PSK:      "PSK",
	ECDHEPSK: "ECDHE_PSK",
	RPK:      "RPK",
	X509:     "X509",
	NoAuth:   "NO_AUTH",
	WantAuth: "WANT_AUTH",
	NoDTLS:   "NO_DTLS",
}

func (m AuthMode) String() string {
	if !m.valid() {
		return "UNKNOWN"
	}
	return modeNames[m]
}

func (m AuthMode) valid() bool {
	return m >= PSK && m <= NoDTLS
}

// Parse 把命令行参数转换为AuthMode，大小写不敏感
func Parse(token string) (AuthMode, error) {
	name := strings.ToUpper(strings.TrimSpace(token))
	for m, n := range modeNames {
		if n == name {
			return AuthMode(m), nil
		}
	}
	return 0, &UnknownModeError{Token: token}
}

// ParseAll 依次解析所有token，遇到第一个无法识别的token即返回错误
func ParseAll(tokens []string) ([]AuthMode, error) {
	modes := make([]AuthMode, 0, len(tokens))
	for _, token := range tokens {
		m, err := Parse(token)
		if err != nil {
			return nil, err
		}
		modes = append(modes, m)
	}
	return modes, nil
}

// ClientAuthPolicy 服务端对客户端证书的要求
type ClientAuthPolicy int

const (
	RequireClientAuth ClientAuthPolicy = iota
	WantClientAuth
	NoClientAuth
)

func (p ClientAuthPolicy) String() string {
	switch p {
	case RequireClientAuth:
		return "required"
	case WantClientAuth:
		return "wanted"
	case NoClientAuth:
		return "none"
	}
	return "unknown"
}

// Set 去重且按照AuthMode顺序排列的认证方式集合，创建后不可修改
type Set struct {
	modes []AuthMode
}

// NewSet 不做合法性检查，需要检查时使用Resolve
func NewSet(modes ...AuthMode) Set {
	seen := make(map[AuthMode]bool, len(modes))
	out := make([]AuthMode, 0, len(modes))
	for _, m := range modes {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return Set{modes: out}
}

// Default 未指定任何方式时使用的集合
func Default() Set {
	return NewSet(PSK, ECDHEPSK, RPK, X509)
}

// All 服务端支持的全部方式
func All() Set {
	return NewSet(PSK, ECDHEPSK, RPK, X509, NoAuth, WantAuth, NoDTLS)
}

// Modes 返回集合的副本
func (s Set) Modes() []AuthMode {
	out := make([]AuthMode, len(s.modes))
	copy(out, s.modes)
	return out
}

func (s Set) Len() int {
	return len(s.modes)
}

func (s Set) Empty() bool {
	return len(s.modes) == 0
}

func (s Set) Has(m AuthMode) bool {
	for _, x := range s.modes {
		if x == m {
			return true
		}
	}
	return false
}

func (s Set) Equal(o Set) bool {
	if len(s.modes) != len(o.modes) {
		return false
	}
	for i := range s.modes {
		if s.modes[i] != o.modes[i] {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	names := make([]string, 0, len(s.modes))
	for _, m := range s.modes {
		names = append(names, m.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Secure 集合中不包含NO_DTLS时需要DTLS
func (s Set) Secure() bool {
	return !s.Has(NoDTLS)
}

// PreShared 是否需要PSK相关的密码套件
func (s Set) PreShared() bool {
	return s.Has(PSK) || s.Has(ECDHEPSK)
}

// Certificate 是否需要基于证书的密码套件，只有NO_AUTH或WANT_AUTH时服务端使用X509证书
func (s Set) Certificate() bool {
	return s.Has(RPK) || s.Has(X509) || s.Has(NoAuth) || s.Has(WantAuth)
}

// ServerCertificateMode 服务端在证书握手中出示的凭据类型
func (s Set) ServerCertificateMode() AuthMode {
	if s.Has(RPK) && !s.Has(X509) {
		return RPK
	}
	return X509
}

// ClientAuth NO_AUTH优先于WANT_AUTH
func (s Set) ClientAuth() ClientAuthPolicy {
	switch {
	case s.Has(NoAuth):
		return NoClientAuth
	case s.Has(WantAuth):
		return WantClientAuth
	}
	return RequireClientAuth
}

// Resolve 校验请求的方式并返回最终生效的集合，requested为空时使用Default
func Resolve(requested []AuthMode, supported Set) (Set, error) {
	if len(requested) == 0 {
		requested = Default().Modes()
	}
	for _, m := range requested {
		if !m.valid() || !supported.Has(m) {
			return Set{}, &UnsupportedModeError{Mode: m}
		}
	}

	set := NewSet(requested...)
	if set.Has(NoDTLS) && set.Len() > 1 {
		return Set{}, &ConflictingModeError{Modes: set.Modes()}
	}
	return set, nil
}
