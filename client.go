package benteng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Client sends requests through a fixed resilience chain: response
// decryption, response cache, de-duplication, priority queue, circuit breaker, retries, rate limiting and
// offline buffering, then the stage pipeline and the transport. It is safe for
// concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	tracerProvider trace.TracerProvider

	retryConfig    RetryConfig
	breakerConfig  CircuitBreakerConfig
	breakerEnabled bool
	cacheConfig    CacheConfig
	cacheEnabled   bool
	cacheDefault   CachePolicy
	dedupEnabled   bool
	dedupMaxAge    time.Duration
	queueEnabled   bool
	maxConcurrent  int
	queueCapacity  int
	offlineConfig  OfflineConfig
	stages         []Stage
	decryptKeys    KeySource

	transport   Transport
	pipeline    *Pipeline
	decrypt     *DecryptionStage
	cache       *CacheManager
	dedup       *Deduplicator
	queue       *PriorityQueue
	breaker     *CircuitBreaker
	retry       *RetryManager
	rateLimits  *RateLimiterRegistry
	offline     *OfflineQueue
	tokens      *CancellationRegistry

	metrics         *MetricsCollector
	debug           *DebugConfig
	logger          Logger
	log             debugLog
	validationError error
}

// New constructs a Client using the provided functional options. A client
// whose configuration is invalid is still returned; every call on it fails
// with the validation error, also available from ValidationError.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		timeout:        30 * time.Second,
		retryConfig:    DefaultRetryConfig().withDefaults(),
		breakerEnabled: true,
		dedupMaxAge:    DefaultDedupMaxAge,
		maxConcurrent:  DefaultMaxConcurrent,
		queueCapacity:  DefaultQueueCapacity,
		debug:          DefaultDebugConfig(),
		tokens:         NewCancellationRegistry(),
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
		return client
	}
	if err := client.build(); err != nil {
		client.validationError = err
	}
	return client
}

func (c *Client) build() error {
	c.log = debugLog{logger: c.logger, debug: c.debug}

	if c.transport == nil {
		opts := []HTTPTransportOption{WithTransportHTTPClient(c.httpClient)}
		if c.tracerProvider != nil {
			opts = append(opts, WithTransportTracing(c.tracerProvider))
		}
		t, err := NewHTTPTransport(c.baseURL, opts...)
		if err != nil {
			return &ClientError{Type: ErrorTypeValidation, Message: "invalid transport configuration", Cause: err, Timestamp: time.Now()}
		}
		c.transport = t
	}

	c.pipeline = NewPipeline()
	if c.tracerProvider != nil {
		c.pipeline.Use(TracingStage(c.tracerProvider))
	}
	if c.log.enabled(requestsCategory) {
		c.pipeline.Use(LoggingStage(c.logger))
	}
	c.pipeline.Use(c.stages...)
	if c.decryptKeys != nil {
		c.decrypt = NewDecryptionStage(c.decryptKeys)
		c.decrypt.metrics = c.metrics
	}

	if c.cacheEnabled {
		cache, err := NewCacheManager(c.cacheConfig)
		if err != nil {
			return &ClientError{Type: ErrorTypeValidation, Message: "invalid cache configuration", Cause: err, Timestamp: time.Now()}
		}
		cache.metrics, cache.log = c.metrics, c.log
		c.cache = cache
	}
	if c.dedupEnabled {
		c.dedup = NewDeduplicator(c.dedupMaxAge)
		c.dedup.metrics, c.dedup.log = c.metrics, c.log
	}
	if c.queueEnabled {
		c.queue = NewPriorityQueue(c.maxConcurrent, c.queueCapacity)
		c.queue.metrics, c.queue.log = c.metrics, c.log
	}
	if c.breakerEnabled {
		c.breaker = NewCircuitBreaker(c.breakerConfig)
		c.breaker.metrics, c.breaker.log = c.metrics, c.log
		c.metrics.RecordCircuitBreakerState(c.breaker.config.Name, StateClosed)
	}

	c.retry = NewRetryManager(c.retryConfig)
	c.retry.metrics, c.retry.log = c.metrics, c.log

	c.offline = NewOfflineQueue(c.offlineConfig)
	c.offline.metrics, c.offline.log = c.metrics, c.log

	return nil
}

// Do executes req. The request's ID doubles as its cancellation handle for
// Cancel; one is generated when empty.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req == nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "nil request", Timestamp: time.Now()}
	}
	c.prepare(req)

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	ctx = c.tokens.Token(ctx, req.ID)
	defer c.tokens.Release(req.ID)

	start := time.Now()
	endpoint := endpointOf(req)
	c.metrics.RecordRequestStart(req.Method, endpoint)
	c.log.log(requestsCategory, "Starting request",
		"requestID", req.ID, "method", req.Method, "target", req.Target, "priority", req.Priority.String())

	var (
		resp *Response
		err  error
	)
	// Cache and dedup only ever hold responses as they arrived; decryption
	// happens per caller with that caller's keys.
	if c.decrypt != nil {
		resp, err = c.decrypt.Handle(ctx, req, c.serve)
	} else {
		resp, err = c.serve(ctx, req)
	}

	duration := time.Since(start)
	c.metrics.RecordRequestEnd(req.Method, endpoint)
	if err != nil {
		var clientErr *ClientError
		if errors.As(err, &clientErr) && clientErr.Duration == 0 {
			clientErr.Duration = duration
		}
		c.metrics.RecordRequest(req.Method, endpoint, StatusCode(err), duration)
		c.metrics.RecordError(errorTypeOf(err), req.Method, endpoint)
		c.log.log(requestsCategory, "Request failed", "requestID", req.ID, "duration", duration, "error", err)
		return nil, err
	}

	c.metrics.RecordRequest(req.Method, endpoint, resp.Status, duration)
	c.log.log(requestsCategory, "Request completed",
		"requestID", req.ID, "status", resp.Status, "fromCache", resp.FromCache, "duration", duration)
	return resp, nil
}

func (c *Client) prepare(req *Request) {
	if req.ID == "" {
		if c.debug != nil && c.debug.RequestIDGen != nil {
			req.ID = c.debug.RequestIDGen()
		} else {
			req.ID = uuid.NewString()
		}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Header == nil {
		req.Header = make(http.Header)
	}
}

func (c *Client) serve(ctx context.Context, req *Request) (*Response, error) {
	if policy, ok := c.cachePolicy(req); ok {
		return c.cache.Execute(ctx, req, policy, c.fetch)
	}
	return c.fetch(ctx, req)
}

func (c *Client) cachePolicy(req *Request) (CachePolicy, bool) {
	if c.cache == nil {
		return CachePolicy{}, false
	}
	if req.Cache != nil {
		return *req.Cache, true
	}
	if req.Method == http.MethodGet {
		return c.cacheDefault, true
	}
	return CachePolicy{}, false
}

func (c *Client) fetch(ctx context.Context, req *Request) (*Response, error) {
	if c.dedup != nil {
		return c.dedup.Deduplicate(ctx, req, c.admit)
	}
	return c.admit(ctx, req)
}

func (c *Client) admit(ctx context.Context, req *Request) (*Response, error) {
	if c.queue != nil {
		return c.queue.Enqueue(ctx, req, c.guarded)
	}
	return c.guarded(ctx, req)
}

func (c *Client) guarded(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker != nil {
		return c.breaker.Execute(ctx, req, c.retrying)
	}
	return c.retrying(ctx, req)
}

func (c *Client) retrying(ctx context.Context, req *Request) (*Response, error) {
	return c.retry.Execute(ctx, req, c.attempt)
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	if c.rateLimits != nil {
		limiter, key := c.rateLimits.Limiter(req)
		if limiter != nil {
			if !limiter.Allow() {
				c.log.warn("Rate limit exceeded", "requestID", req.ID, "limiter", key, "endpoint", endpointOf(req))
				return nil, newClientError(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimited, req)
			}
			c.metrics.RecordRateLimiterTokens(key, limiter.Tokens())
		}
	}
	return c.offline.Execute(ctx, req, c.send)
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	return c.pipeline.Execute(ctx, req, c.transport.Do)
}

func errorTypeOf(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return string(clientErr.Type)
	}
	if errors.Is(err, context.Canceled) {
		return string(ErrorTypeCanceled)
	}
	return "Unknown"
}

// Get performs a GET.
func (c *Client) Get(ctx context.Context, target string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodGet, target, nil, opts))
}

// Post performs a POST with body.
func (c *Client) Post(ctx context.Context, target string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodPost, target, body, opts))
}

// Put performs a PUT with body.
func (c *Client) Put(ctx context.Context, target string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodPut, target, body, opts))
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, target string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodDelete, target, nil, opts))
}

func buildRequest(method, target string, body any, opts []RequestOption) *Request {
	req := NewRequest(method, target)
	req.Body = body
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// Cancel aborts the in-flight request with the given ID. It reports whether
// such a request was found.
func (c *Client) Cancel(id string) bool {
	ok := c.tokens.Cancel(id)
	if ok {
		c.log.log(requestsCategory, "Request canceled", "requestID", id)
	}
	return ok
}

// CancelAll aborts every in-flight request and returns how many were aborted.
func (c *Client) CancelAll() int {
	n := c.tokens.CancelAll()
	c.log.log(requestsCategory, "All requests canceled", "count", n)
	return n
}

// InvalidateCache drops every cached response carrying one of tags, in both
// tiers. Without tags the whole cache is cleared.
func (c *Client) InvalidateCache(ctx context.Context, tags ...string) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	if len(tags) == 0 {
		n := c.cache.Len()
		return n, c.cache.Clear(ctx)
	}
	return c.cache.InvalidateByTags(ctx, tags...), nil
}

// SetOnline records a connectivity change.
func (c *Client) SetOnline(online bool) {
	if c.offline != nil {
		c.offline.SetOnline(online)
	}
}

// IsOnline reports the last known connectivity.
func (c *Client) IsOnline() bool {
	return c.offline == nil || c.offline.IsOnline()
}

// Offline returns the offline queue, for connectivity watchers and manual drains.
func (c *Client) Offline() *OfflineQueue {
	return c.offline
}

// Cache returns the cache manager, or nil when caching is disabled.
func (c *Client) Cache() *CacheManager {
	return c.cache
}

// CircuitState returns the breaker state; a client without a breaker is
// always closed.
func (c *Client) CircuitState() CircuitState {
	if c.breaker == nil {
		return StateClosed
	}
	return c.breaker.State()
}

// Metrics returns the metrics collector, or nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Close aborts in-flight requests, rejects buffered offline requests and
// closes the durable cache store when it implements io.Closer.
func (c *Client) Close() error {
	c.CancelAll()
	if c.offline != nil {
		c.offline.Clear()
	}
	if c.cacheConfig.Store != nil {
		if closer, ok := c.cacheConfig.Store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				return fmt.Errorf("benteng: close durable store: %w", err)
			}
		}
	}
	return nil
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}
