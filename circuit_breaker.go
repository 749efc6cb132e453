package benteng

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Zero fields take the
// defaults: 5 failures, 60s reset timeout, 2 half-open successes.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	// IsFailure decides which errors count against the breaker.
	IsFailure func(error) bool
	// OnStateChange runs with the breaker locked and must not call back into it.
	OnStateChange func(from, to CircuitState)
}

// CircuitStats is a snapshot of breaker state.
type CircuitStats struct {
	State       CircuitState
	Failures    int
	Successes   int
	LastFailure time.Time
	NextAttempt time.Time
}

// CircuitBreaker stops calling a failing dependency until a cooldown elapses.
// In half-open it admits one trial call at a time.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        CircuitBreakerConfig
	state         CircuitState
	failures      int
	successes     int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
	generation    uint64
	now           func() time.Time

	metrics *MetricsCollector
	log     debugLog
}

// CircuitPermit is an admission granted by Allow. Its outcome only counts
// while the breaker is still in the state that granted it.
type CircuitPermit struct {
	generation uint64
	trial      bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Name == "" {
		config.Name = "default"
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// DefaultIsFailure counts transport failures, timeouts and server-side HTTP
// errors. Caller cancellation, cache misses, decryption errors and 4xx
// responses other than 408 and 429 do not indicate an unhealthy dependency.
func DefaultIsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeCacheMiss, ErrorTypeDecryption, ErrorTypeValidation,
			ErrorTypeQueueFull, ErrorTypeOffline, ErrorTypeRateLimit, ErrorTypeCanceled:
			return false
		case ErrorTypeHTTP:
			code := clientErr.StatusCode
			return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
		}
	}
	return true
}

// Execute runs exec unless the breaker is open. A rejected call returns a
// ClientError wrapping ErrCircuitOpen and exec is not invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, req *Request, exec Handler) (*Response, error) {
	permit, err := cb.allow()
	if err != nil {
		cb.log.log(circuitCategory, "Circuit breaker rejected request", "requestID", req.ID, "breaker", cb.config.Name)
		return nil, newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", err, req)
	}

	resp, err := exec(ctx, req)
	cb.record(permit, err)
	return resp, err
}

// Allow reports whether a call may proceed now. An admitted call in
// half-open holds the single trial slot until its outcome is reported with
// Record.
func (cb *CircuitBreaker) Allow() (CircuitPermit, bool) {
	permit, err := cb.allow()
	return permit, err == nil
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(permit CircuitPermit, err error) {
	cb.record(permit, err)
}

func (cb *CircuitBreaker) allow() (CircuitPermit, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return CircuitPermit{generation: cb.generation}, nil
	case StateOpen:
		if cb.now().Before(cb.nextAttempt) {
			return CircuitPermit{}, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.successes = 0
		cb.trialInFlight = true
		return CircuitPermit{generation: cb.generation, trial: true}, nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return CircuitPermit{}, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return CircuitPermit{generation: cb.generation, trial: true}, nil
	default:
		return CircuitPermit{}, ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(permit CircuitPermit, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Calls admitted before the last state change no longer speak for it.
	if permit.generation != cb.generation {
		return
	}
	if permit.trial {
		cb.trialInFlight = false
	}

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
				cb.failures = 0
				cb.successes = 0
			}
		}
		return
	}

	if !cb.config.IsFailure(err) {
		return
	}

	now := cb.now()
	cb.failures++
	cb.lastFailure = now

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.nextAttempt = now.Add(cb.config.ResetTimeout)
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.successes = 0
		cb.nextAttempt = now.Add(cb.config.ResetTimeout)
		cb.transition(StateOpen)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++

	cb.metrics.RecordCircuitBreakerState(cb.config.Name, to)
	cb.log.log(circuitCategory, "Circuit breaker state change",
		"breaker", cb.config.Name, "from", from.String(), "to", to.String(), "failures", cb.failures)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// still reports open until the next call moves it to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitStats{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
		NextAttempt: cb.nextAttempt,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
	cb.nextAttempt = time.Time{}
	cb.generation++
}
