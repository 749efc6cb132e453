package benteng

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/benteng/internal/backoff"
)

// Retry defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second
)

// Backoff strategy names accepted by RetryConfig.Strategy.
const (
	BackoffFixed              = backoff.NameFixed
	BackoffLinear             = backoff.NameLinear
	BackoffExponential        = backoff.NameExponential
	BackoffExponentialJitter  = backoff.NameExponentialJitter
	BackoffDecorrelatedJitter = backoff.NameDecorrelatedJitter
)

// RetryConfig controls the retry manager. Zero fields take the defaults.
// MaxAttempts counts every try including the first.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     string
	Multiplier   float64
	Jitter       float64
	Retryable    func(error) bool
}

// DefaultRetryConfig returns three attempts with exponential backoff from 1s
// capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Strategy:     BackoffExponential,
		Multiplier:   2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Retryable == nil {
		c.Retryable = IsRetryable
	}
	return c
}

// RetryManager re-runs failed calls with backoff.
type RetryManager struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error

	metrics *MetricsCollector
	log     debugLog
}

// NewRetryManager creates a retry manager.
func NewRetryManager(config RetryConfig) *RetryManager {
	return &RetryManager{
		config: config.withDefaults(),
		sleep:  sleepContext,
	}
}

// Config returns the effective configuration.
func (m *RetryManager) Config() RetryConfig {
	return m.config
}

// Execute runs exec until it succeeds, fails with a non-retryable error, or
// MaxAttempts tries have been made. Attempts are sequential. req.Retry, when
// set, replaces the manager's configuration.
func (m *RetryManager) Execute(ctx context.Context, req *Request, exec Handler) (*Response, error) {
	cfg := m.config
	if req.Retry != nil {
		cfg = req.Retry.withDefaults()
	}

	strategy, ok := backoff.ForName(cfg.Strategy)
	if !ok {
		return nil, newClientError(ErrorTypeValidation, "unknown backoff strategy "+cfg.Strategy, nil, req)
	}
	calc := backoff.NewCalculator(strategy, backoff.Params{
		Initial:    cfg.InitialDelay,
		Max:        cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	})

	for attempt := 1; ; attempt++ {
		resp, err := exec(ctx, req)
		if err == nil {
			return resp, nil
		}

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			clientErr.Attempt = attempt
			clientErr.MaxAttempts = cfg.MaxAttempts
		}

		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.Retryable(err) {
			return nil, err
		}

		delay := retryDelay(calc, attempt, err)
		m.metrics.RecordRetry(req.Method, endpointOf(req), attempt)
		m.log.log(retriesCategory, "Retrying request",
			"requestID", req.ID, "attempt", attempt, "maxAttempts", cfg.MaxAttempts, "delay", delay, "error", err)

		if err := m.sleep(ctx, delay); err != nil {
			return nil, newClientError(ErrorTypeCanceled, "retry wait interrupted", err, req)
		}
	}
}

// retryDelay prefers a server Retry-After hint, capped at the max delay.
func retryDelay(calc *backoff.Calculator, attempt int, err error) time.Duration {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.RetryAfter > 0 {
		return min(clientErr.RetryAfter, calc.Params().Max)
	}
	return calc.Delay(attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > time.Hour {
			delay = time.Hour
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
