package benteng

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/benteng/internal/backoff"
)

// WithBaseURL sets the base URL relative request targets resolve against.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTransport replaces the HTTP transport. WithBaseURL, WithHTTPClient and
// WithTracing's transport instrumentation do not apply to a custom transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if client != nil && c.timeout != 0 && client.Timeout == 0 {
			client.Timeout = c.timeout
		}
	}
}

// WithTimeout sets the per-attempt timeout of the HTTP client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetry replaces the retry configuration
func WithRetry(config RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = config.withDefaults()
	}
}

// WithMaxAttempts sets the total number of tries per request, the first
// included. 1 disables retries.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxAttempts = n
	}
}

// WithBackoff selects the delay strategy and its bounds
func WithBackoff(strategy string, initial, max time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.Strategy = strategy
		c.retryConfig.InitialDelay = initial
		c.retryConfig.MaxDelay = max
	}
}

// WithJitter sets the jitter factor for the jittered strategies (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryConfig.Jitter = f
	}
}

// WithRetryCondition sets a custom retry condition
func WithRetryCondition(fn func(error) bool) Option {
	return func(c *Client) {
		c.retryConfig.Retryable = fn
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerEnabled = true
		c.breakerConfig = config
	}
}

// WithoutCircuitBreaker disables the circuit breaker
func WithoutCircuitBreaker() Option {
	return func(c *Client) {
		c.breakerEnabled = false
	}
}

// WithRateLimiter sets the rate limiter applied to every request without an
// endpoint specific limiter
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.limiterRegistry().SetFallback(NewRateLimiter(maxTokens, refillRate))
	}
}

// WithEndpointRateLimiter sets a dedicated rate limiter for requests whose
// target path is endpoint
func WithEndpointRateLimiter(endpoint string, maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.limiterRegistry().RegisterLimiter(endpoint, NewRateLimiter(maxTokens, refillRate))
	}
}

// WithRateLimiterRegistry replaces the rate limiter registry
func WithRateLimiterRegistry(registry *RateLimiterRegistry) Option {
	return func(c *Client) {
		c.rateLimits = registry
	}
}

func (c *Client) limiterRegistry() *RateLimiterRegistry {
	if c.rateLimits == nil {
		c.rateLimits = NewRateLimiterRegistry(EndpointKey, nil)
	}
	return c.rateLimits
}

// WithCache enables the response cache
func WithCache(config CacheConfig) Option {
	return func(c *Client) {
		store := c.cacheConfig.Store
		c.cacheEnabled = true
		c.cacheConfig = config
		if c.cacheConfig.Store == nil {
			c.cacheConfig.Store = store
		}
	}
}

// WithDurableStore enables the cache with store as its durable tier
func WithDurableStore(store DurableStore) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheConfig.Store = store
	}
}

// WithDefaultCachePolicy sets the policy applied to GET requests that carry
// none of their own
func WithDefaultCachePolicy(policy CachePolicy) Option {
	return func(c *Client) {
		c.cacheDefault = policy
	}
}

// WithDeduplication enables in-flight request de-duplication. maxAge <= 0
// selects DefaultDedupMaxAge.
func WithDeduplication(maxAge time.Duration) Option {
	return func(c *Client) {
		c.dedupEnabled = true
		if maxAge > 0 {
			c.dedupMaxAge = maxAge
		}
	}
}

// WithQueue enables the priority queue
func WithQueue(maxConcurrent, capacity int) Option {
	return func(c *Client) {
		c.queueEnabled = true
		c.maxConcurrent = maxConcurrent
		c.queueCapacity = capacity
	}
}

// WithOfflineQueue buffers requests made while offline
func WithOfflineQueue(config OfflineConfig) Option {
	return func(c *Client) {
		config.Enabled = true
		c.offlineConfig = config
	}
}

// WithStages appends pipeline stages
func WithStages(stages ...Stage) Option {
	return func(c *Client) {
		c.stages = append(c.stages, stages...)
	}
}

// WithDecryption decrypts encrypted response payloads with keys from source.
// The decryption stage runs innermost, so every other stage sees plaintext.
func WithDecryption(source KeySource) Option {
	return func(c *Client) {
		c.decryptKeys = source
	}
}

// WithTracing records an OpenTelemetry span per attempt and instruments the
// HTTP transport
func WithTracing(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimiterConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)
	problems = append(problems, c.validateQueueConfig()...)
	problems = append(problems, c.validateDebugConfig()...)
	problems = append(problems, c.validateStageConfig()...)
	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Cause:     errors.New(strings.Join(problems, "; ")),
			Timestamp: time.Now(),
		}
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string
	cfg := c.retryConfig

	if cfg.MaxAttempts < 1 {
		problems = append(problems, "retry MaxAttempts must be at least 1")
	}
	if cfg.InitialDelay <= 0 {
		problems = append(problems, "retry InitialDelay must be positive")
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		problems = append(problems, "retry MaxDelay must be greater than or equal to InitialDelay")
	}
	if _, ok := backoff.ForName(cfg.Strategy); !ok {
		problems = append(problems, fmt.Sprintf("unknown backoff strategy %q", cfg.Strategy))
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		problems = append(problems, "retry Jitter must be between 0 and 1")
	}
	if cfg.Retryable == nil {
		problems = append(problems, "retry condition must be set")
	}

	return problems
}

func (c *Client) validateRateLimiterConfig() []string {
	var problems []string

	if c.rateLimits != nil {
		for _, limiter := range c.rateLimits.all() {
			if limiter.maxTokens <= 0 {
				problems = append(problems, "rateLimiter maxTokens must be positive")
			}
			if limiter.refillRate <= 0 {
				problems = append(problems, "rateLimiter refillRate must be positive")
			}
		}
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if !c.cacheEnabled {
		if c.cacheDefault.Strategy != "" {
			problems = append(problems, "default cache policy set without a cache")
		}
		return problems
	}
	if c.cacheConfig.MaxEntries < 0 {
		problems = append(problems, "cache MaxEntries must be non-negative")
	}
	if c.cacheConfig.DefaultTTL < 0 {
		problems = append(problems, "cache DefaultTTL must be non-negative")
	}
	for _, strategy := range []CacheStrategy{c.cacheConfig.DefaultStrategy, c.cacheDefault.Strategy} {
		if strategy != "" && !strategy.valid() {
			problems = append(problems, fmt.Sprintf("unknown cache strategy %q", strategy))
		}
	}

	return problems
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var problems []string

	if c.breakerEnabled {
		if c.breakerConfig.FailureThreshold < 0 {
			problems = append(problems, "circuitBreaker FailureThreshold must be non-negative")
		}
		if c.breakerConfig.ResetTimeout < 0 {
			problems = append(problems, "circuitBreaker ResetTimeout must be non-negative")
		}
		if c.breakerConfig.SuccessThreshold < 0 {
			problems = append(problems, "circuitBreaker SuccessThreshold must be non-negative")
		}
	}

	return problems
}

func (c *Client) validateQueueConfig() []string {
	var problems []string

	if c.queueEnabled {
		if c.maxConcurrent <= 0 {
			problems = append(problems, "queue maxConcurrent must be positive")
		}
		if c.queueCapacity <= 0 {
			problems = append(problems, "queue capacity must be positive")
		}
	}
	if c.offlineConfig.MaxRetries < 0 {
		problems = append(problems, "offline MaxRetries must be non-negative")
	}

	return problems
}

func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			problems = append(problems, "logger must be set when debug is enabled")
		}
	}

	return problems
}

func (c *Client) validateStageConfig() []string {
	var problems []string

	for i, stage := range c.stages {
		if stage == nil {
			problems = append(problems, fmt.Sprintf("stage[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateTransportConfig() []string {
	var problems []string

	if c.transport == nil && c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}

	return problems
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.retryConfig.MaxAttempts > 100 {
		problems = append(problems, "retry MaxAttempts > 100 may cause excessive resource usage")
	}
	if c.retryConfig.InitialDelay > 10*time.Minute {
		problems = append(problems, "retry InitialDelay > 10m may cause very long delays")
	}
	if c.retryConfig.MaxDelay > time.Hour {
		problems = append(problems, "retry MaxDelay > 1h may cause extremely long delays")
	}
	if c.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}
	if c.rateLimits != nil {
		for _, limiter := range c.rateLimits.all() {
			if limiter.maxTokens > 1000000 {
				problems = append(problems, "rateLimiter maxTokens > 1M may cause memory issues")
			}
			if limiter.refillRate > 0 && limiter.refillRate < time.Millisecond {
				problems = append(problems, "rateLimiter refillRate < 1ms may cause excessive CPU usage")
			}
		}
	}
	if c.cacheEnabled && c.cacheConfig.DefaultTTL > 24*time.Hour {
		problems = append(problems, "cache DefaultTTL > 24h may cause stale data issues")
	}

	return problems
}
