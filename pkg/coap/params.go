package coap

import (
	"time"

	"github.com/cenkalti/backoff"
)

// 传输参数，参考RFC 7252 4.8
const (
	DefaultAckTimeout      = 2 * time.Second
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
	DefaultNStart          = 1

	maxLatency      = 100 * time.Second
	processingDelay = DefaultAckTimeout
)

// TransmissionParams MaxAttempts是包括首次发送在内的总发送次数
type TransmissionParams struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxAttempts     int
	MaxInterval     time.Duration // 单次等待的上限，0表示不限制
}

func DefaultParams() TransmissionParams {
	return TransmissionParams{
		AckTimeout:      DefaultAckTimeout,
		AckRandomFactor: DefaultAckRandomFactor,
		MaxAttempts:     DefaultMaxRetransmit + 1,
	}
}

func (p TransmissionParams) withDefaults() TransmissionParams {
	d := DefaultParams()
	if p.AckTimeout <= 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

func (p TransmissionParams) maxRetransmit() int {
	return p.withDefaults().MaxAttempts - 1
}

// MaxTransmitSpan 第一次发送到最后一次重传之间的最长时间
func (p TransmissionParams) MaxTransmitSpan() time.Duration {
	p = p.withDefaults()
	span := float64(p.AckTimeout) * float64(int(1)<<p.maxRetransmit()-1) * p.AckRandomFactor
	return time.Duration(span)
}

// ExchangeLifetime CON消息的MessageID在这段时间内不能复用，默认247s
func (p TransmissionParams) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*maxLatency + processingDelay
}

// NonLifetime NON消息的去重时间，默认145s
func (p TransmissionParams) NonLifetime() time.Duration {
	return p.MaxTransmitSpan() + maxLatency
}

// newBackOff 首次超时在[AckTimeout, AckTimeout*AckRandomFactor]之间随机，之后每次翻倍，
// 每次发送前取一次等待时间，MaxAttempts次之后NextBackOff返回backoff.Stop
func (p TransmissionParams) newBackOff() backoff.BackOff {
	p = p.withDefaults()
	f := p.AckRandomFactor
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(float64(p.AckTimeout) * (1 + f) / 2),
		RandomizationFactor: (f - 1) / (f + 1),
		Multiplier:          2,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}
