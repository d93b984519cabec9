package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
)

// Jitter scales a delay by a uniform factor in [jitterLow, jitterHigh].
const (
	jitterLow  = 0.8
	jitterHigh = 1.2
)

// Policy is the backoff primitive shared by durable-store writes and queue
// rescheduling.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration // zero means uncapped
	BackoffFactor float64
	Jitter        bool
}

// DefaultPolicy is three retries starting at one second, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// PolicyFromSettings builds a Policy from the retry section of the config.
func PolicyFromSettings(cfg config.RetrySettings) Policy {
	return Policy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
}

// randFloat is replaced in tests to pin the jitter factor.
var randFloat = rand.Float64

// Base is min(InitialDelay × BackoffFactor^attempt, MaxDelay) before jitter.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is the wait before retry number attempt (0-based), with jitter applied
// when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if !p.Jitter {
		return base
	}
	scale := jitterLow + (jitterHigh-jitterLow)*randFloat()
	return time.Duration(float64(base) * scale)
}

// Bounds returns the closed interval Delay(attempt) always falls in.
func (p Policy) Bounds(attempt int) (time.Duration, time.Duration) {
	base := p.Base(attempt)
	if !p.Jitter {
		return base, base
	}
	return time.Duration(float64(base) * jitterLow), time.Duration(float64(base) * jitterHigh)
}

// policyBackOff adapts a Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
