package benteng

import (
	"sync"
)

// RateLimiterRegistry selects a rate limiter per request. Requests whose key
// has no registered limiter use the fallback; with no fallback they are not
// limited.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	keyFunc  func(*Request) string
	fallback *RateLimiter
}

// NewRateLimiterRegistry creates a registry. A nil keyFunc selects
// EndpointKey.
func NewRateLimiterRegistry(keyFunc func(*Request) string, fallback *RateLimiter) *RateLimiterRegistry {
	if keyFunc == nil {
		keyFunc = EndpointKey
	}
	return &RateLimiterRegistry{
		limiters: make(map[string]*RateLimiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// RegisterLimiter adds a limiter for the given key.
func (r *RateLimiterRegistry) RegisterLimiter(key string, limiter *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = limiter
}

// SetFallback replaces the limiter used for unregistered keys.
func (r *RateLimiterRegistry) SetFallback(limiter *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = limiter
}

// Limiter returns the limiter for req and the metrics label it reports under.
func (r *RateLimiterRegistry) Limiter(req *Request) (*RateLimiter, string) {
	key := r.keyFunc(req)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if limiter, ok := r.limiters[key]; ok {
		return limiter, key
	}
	return r.fallback, "default"
}

// Allow takes a token from the limiter for req.
func (r *RateLimiterRegistry) Allow(req *Request) (bool, string) {
	limiter, key := r.Limiter(req)
	if limiter == nil {
		return true, key
	}
	return limiter.Allow(), key
}

func (r *RateLimiterRegistry) all() []*RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limiters := make([]*RateLimiter, 0, len(r.limiters)+1)
	if r.fallback != nil {
		limiters = append(limiters, r.fallback)
	}
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	return limiters
}

// EndpointKey keys requests by target path.
func EndpointKey(req *Request) string {
	return endpointOf(req)
}

// RouteKey keys requests by method and target path.
func RouteKey(req *Request) string {
	return req.Method + " " + endpointOf(req)
}
