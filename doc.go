// Package benteng is a client-side request framework for JSON services that
// layers resilience primitives around a pluggable transport:
//
//   - Two-tier response cache (LRU memory tier + durable store) with
//     cache-first, network-first, stale-while-revalidate, cache-only and
//     network-only strategies and tag invalidation
//   - In-flight de-duplication of identical requests
//   - Priority queue with bounded concurrency and per-request cancellation
//   - Circuit breaker (closed / open / half-open)
//   - Retries with fixed, linear, exponential and jittered backoff
//   - Token bucket rate limiting and an offline queue replayed on reconnect
//   - A stage pipeline for headers, logging and tracing
//   - Per-caller response decryption
//   - Prometheus metrics and slog-based debug logging
//
// A request flows through the layers in a fixed order: cache check,
// de-duplication, queue admission, circuit breaker, retry, rate limiter and
// offline interception, stage pipeline and transport, then cache write-back.
//
// Encrypted responses produced by the policy middleware are opened by the
// decryption stage, which wraps every other layer. The cache and the
// de-duplicator only ever see ciphertext, so a cached response is readable
// only by callers holding the right keys. See the envelope and policy
// packages.
//
// Typical usage:
//
//	client := benteng.New(
//	    benteng.WithBaseURL("https://api.example.com"),
//	    benteng.WithMaxAttempts(3),
//	    benteng.WithCache(benteng.CacheConfig{DefaultStrategy: benteng.CacheFirst}),
//	    benteng.WithDeduplication(0),
//	    benteng.WithQueue(6, 100),
//	    benteng.WithDecryption(benteng.BearerKeySource("")),
//	)
//	resp, err := client.Get(ctx, "/api/game/inventory", benteng.WithBearerToken(token))
package benteng
