package credentials

import "sync"

// PSKStore 服务端的identity->secret表
type PSKStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewPSKStore(keys map[string][]byte) *PSKStore {
	s := &PSKStore{keys: make(map[string][]byte, len(keys))}
	for identity, secret := range keys {
		s.keys[identity] = append([]byte(nil), secret...)
	}
	return s
}

// Lookup 可以直接作为dtls.Config.PSK的回调，参数是客户端发送的identity
func (s *PSKStore) Lookup(identity []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.keys[string(identity)]
	if !ok {
		return nil, &UnknownIdentityError{Identity: string(identity)}
	}
	return append([]byte(nil), secret...), nil
}

func (s *PSKStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
