package backoff

import (
	"time"
)

// Strategy names understood by ForName.
const (
	NameFixed              = "fixed"
	NameLinear             = "linear"
	NameExponential        = "exponential"
	NameExponentialJitter  = "exponential-jitter"
	NameDecorrelatedJitter = "decorrelated-jitter"
)

// Calculator binds a Strategy to a fixed parameter set.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator creates a calculator. A nil strategy falls back to exponential.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = ExponentialStrategy{}
	}
	return &Calculator{
		strategy: strategy,
		params:   params,
	}
}

// Delay returns the wait before the attempt following the given failed attempt.
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Calculate(attempt, c.params)
}

// Params returns the parameters the calculator was built with.
func (c *Calculator) Params() Params {
	return c.params
}

// ForName resolves a strategy by its configuration name.
func ForName(name string) (Strategy, bool) {
	switch name {
	case NameFixed:
		return FixedStrategy{}, true
	case NameLinear:
		return LinearStrategy{}, true
	case NameExponential, "":
		return ExponentialStrategy{}, true
	case NameExponentialJitter:
		return ExponentialJitterStrategy{}, true
	case NameDecorrelatedJitter:
		return DecorrelatedJitterStrategy{}, true
	default:
		return nil, false
	}
}
