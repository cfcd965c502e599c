package coap

import (
	"sync"
	"time"
)

type dedupKey struct {
	peer string
	mid  uint16
}

type dedupEntry struct {
	expires  time.Time
	response []byte // 已编码的响应，处理完成之前为nil
}

// Deduplicator 按(peer, MessageID)记录收到的CON/NON消息，
// CON消息在ExchangeLifetime内、NON消息在NonLifetime内视为重复
type Deduplicator struct {
	mu      sync.Mutex
	entries map[dedupKey]*dedupEntry

	exchangeLifetime time.Duration
	nonLifetime      time.Duration
	now              func() time.Time
}

func NewDeduplicator(params TransmissionParams) *Deduplicator {
	return &Deduplicator{
		entries:          make(map[dedupKey]*dedupEntry),
		exchangeLifetime: params.ExchangeLifetime(),
		nonLifetime:      params.NonLifetime(),
		now:              time.Now,
	}
}

// Check 第一次见到的消息返回false并开始记录；重复消息返回true以及已保存的响应（可能为nil）
func (d *Deduplicator) Check(peer string, m *Message) ([]byte, bool) {
	key := dedupKey{peer: peer, mid: m.MessageID}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok && now.Before(e.expires) {
		return e.response, true
	}

	lifetime := d.exchangeLifetime
	if m.Type == NonConfirmable {
		lifetime = d.nonLifetime
	}
	d.entries[key] = &dedupEntry{expires: now.Add(lifetime)}
	return nil, false
}

// Complete 保存响应，之后重复的CON会直接重发这个响应
func (d *Deduplicator) Complete(peer string, mid uint16, response []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[dedupKey{peer: peer, mid: mid}]; ok {
		e.response = response
	}
}

// Forget 删除某个会话的全部记录，Server在会话关闭后调用
func (d *Deduplicator) Forget(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.entries {
		if key.peer == peer {
			delete(d.entries, key)
		}
	}
}

// Sweep 清理过期的记录，返回清理的数量
func (d *Deduplicator) Sweep() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, e := range d.entries {
		if !now.Before(e.expires) {
			delete(d.entries, key)
			n++
		}
	}
	return n
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
