package reconnect

import (
	"math/rand"
	"time"
)

const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitter       = 0.25
)

// Policy is exponential backoff with additive jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts bounds one recovery. Zero retries forever.
	MaxAttempts int
	// Jitter adds up to this fraction of the base delay.
	Jitter float64
}

// DefaultPolicy starts at 1s, caps at 30s, retries forever and adds up to
// 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       DefaultJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Base returns the un-jittered delay before attempt n (1-based): the
// initial delay doubled n-1 times, capped at MaxDelay.
func (p Policy) Base(n int) time.Duration {
	p = p.normalized()
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Delay returns Base(n) plus a random jitter in [0, Base(n)*Jitter).
func (p Policy) Delay(n int, rng *rand.Rand) time.Duration {
	base := p.Base(n)
	span := int64(float64(base) * p.normalized().Jitter)
	if span <= 0 {
		return base
	}
	if rng == nil {
		return base + time.Duration(rand.Int63n(span))
	}
	return base + time.Duration(rng.Int63n(span))
}
