package backoff

import (
	"math/rand"
	"time"
)

// Params carries the tunables shared by every strategy. Attempt numbers passed
// to Calculate are 1-based: attempt 1 is the delay before the second try.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	Calculate(attempt int, p Params) time.Duration
}

// FixedStrategy waits Initial between every attempt.
type FixedStrategy struct{}

// Calculate implements Strategy.
func (FixedStrategy) Calculate(attempt int, p Params) time.Duration {
	return capDelay(p.Initial, p.Max)
}

// LinearStrategy waits Initial*attempt.
type LinearStrategy struct{}

// Calculate implements Strategy.
func (LinearStrategy) Calculate(attempt int, p Params) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capDelay(time.Duration(int64(p.Initial)*int64(attempt)), p.Max)
}

// ExponentialStrategy waits Initial*Multiplier^(attempt-1). A zero multiplier
// means doubling.
type ExponentialStrategy struct{}

// Calculate implements Strategy.
func (ExponentialStrategy) Calculate(attempt int, p Params) time.Duration {
	return exponential(attempt, p)
}

// ExponentialJitterStrategy adds up to Jitter*delay of uniform noise on top of
// the exponential delay, never exceeding Max.
type ExponentialJitterStrategy struct{}

// Calculate implements Strategy.
func (ExponentialJitterStrategy) Calculate(attempt int, p Params) time.Duration {
	backoff := exponential(attempt, p)

	jitter := clampJitter(p.Jitter)
	if jitter > 0 {
		jitterAmount := time.Duration(float64(backoff) * jitter * rand.Float64())
		if p.Max > 0 && backoff+jitterAmount > p.Max {
			return p.Max
		}
		backoff += jitterAmount
	}
	return backoff
}

// DecorrelatedJitterStrategy picks a random delay in [Initial, Initial*3^attempt],
// the stateless form of the AWS decorrelated jitter algorithm.
type DecorrelatedJitterStrategy struct{}

// Calculate implements Strategy.
func (DecorrelatedJitterStrategy) Calculate(attempt int, p Params) time.Duration {
	if attempt <= 1 {
		return capDelay(p.Initial, p.Max)
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * pow(3.0, attempt-1)

	maxFloat := float64(p.Max)
	if p.Max > 0 && (upper > maxFloat || upper < 0) {
		upper = maxFloat
	}
	if upper < base {
		upper = base
	}

	return capDelay(time.Duration(base+rand.Float64()*(upper-base)), p.Max)
}

func exponential(attempt int, p Params) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^30 already overflows any sane Max.
	if attempt > 31 {
		attempt = 31
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	backoff := time.Duration(float64(p.Initial) * pow(multiplier, attempt-1))
	if backoff < 0 {
		return p.Max
	}
	return capDelay(backoff, p.Max)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
