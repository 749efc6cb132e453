// Package config loads benteng client settings from a YAML file and
// BENTENG_-prefixed environment variables.
//
// Environment variables override the file. Nested keys are separated by a
// double underscore, so BENTENG_RETRY__MAX_ATTEMPTS sets retry.max_attempts.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ambiyansyah-risyal/benteng"
	"github.com/ambiyansyah-risyal/benteng/durable"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BENTENG_"

type Config struct {
	BaseURL        string               `koanf:"base_url"`
	Timeout        time.Duration        `koanf:"timeout"`
	Retry          RetryConfig          `koanf:"retry"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	RateLimit      RateLimitConfig      `koanf:"rate_limit"`
	Cache          CacheConfig          `koanf:"cache"`
	Dedup          DedupConfig          `koanf:"dedup"`
	Queue          QueueConfig          `koanf:"queue"`
	Offline        OfflineConfig        `koanf:"offline"`
	Encryption     EncryptionConfig     `koanf:"encryption"`
	Debug          bool                 `koanf:"debug"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Strategy     string        `koanf:"strategy"` // fixed, linear, exponential, exponential-jitter, decorrelated-jitter
	Jitter       float64       `koanf:"jitter"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
	SuccessThreshold int           `koanf:"success_threshold"`
}

type RateLimitConfig struct {
	MaxTokens  int                   `koanf:"max_tokens"` // 0 disables the default limiter
	RefillRate time.Duration         `koanf:"refill_rate"`
	Endpoints  []EndpointLimitConfig `koanf:"endpoints"`
}

type EndpointLimitConfig struct {
	Endpoint   string        `koanf:"endpoint"`
	MaxTokens  int           `koanf:"max_tokens"`
	RefillRate time.Duration `koanf:"refill_rate"`
}

type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	MaxEntries int           `koanf:"max_entries"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxAge     time.Duration `koanf:"max_age"`
	Strategy   string        `koanf:"strategy"`
	Store      StoreConfig   `koanf:"store"`
}

type StoreConfig struct {
	Type  string      `koanf:"type"` // redis, bolt, sqlite, none
	Path  string      `koanf:"path"`
	Redis RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type DedupConfig struct {
	Enabled bool          `koanf:"enabled"`
	MaxAge  time.Duration `koanf:"max_age"`
}

type QueueConfig struct {
	Enabled       bool `koanf:"enabled"`
	MaxConcurrent int  `koanf:"max_concurrent"`
	Capacity      int  `koanf:"capacity"`
}

type OfflineConfig struct {
	Enabled         bool `koanf:"enabled"`
	SyncOnReconnect bool `koanf:"sync_on_reconnect"`
	MaxRetries      int  `koanf:"max_retries"`
}

type EncryptionConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ServiceKey string `koanf:"service_key"`
}

// Load reads path, when it exists, then applies environment overrides and
// defaults. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	defaults := map[string]any{
		"timeout":                 "30s",
		"retry.max_attempts":      benteng.DefaultMaxAttempts,
		"retry.initial_delay":     benteng.DefaultInitialDelay.String(),
		"retry.max_delay":         benteng.DefaultMaxDelay.String(),
		"retry.strategy":          benteng.BackoffExponential,
		"circuit_breaker.enabled": true,
		"rate_limit.refill_rate":  "1s",
		"cache.store.type":        "none",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ClientOptions translates the configuration into client options. The
// durable store is not included; see OpenDurableStore and NewClient.
func (c *Config) ClientOptions() ([]benteng.Option, error) {
	opts := []benteng.Option{
		benteng.WithRetry(benteng.RetryConfig{
			MaxAttempts:  c.Retry.MaxAttempts,
			InitialDelay: c.Retry.InitialDelay,
			MaxDelay:     c.Retry.MaxDelay,
			Strategy:     c.Retry.Strategy,
			Jitter:       c.Retry.Jitter,
		}),
	}
	if c.BaseURL != "" {
		opts = append(opts, benteng.WithBaseURL(c.BaseURL))
	}
	if c.Timeout > 0 {
		opts = append(opts, benteng.WithTimeout(c.Timeout))
	}

	if c.CircuitBreaker.Enabled {
		opts = append(opts, benteng.WithCircuitBreaker(benteng.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			ResetTimeout:     c.CircuitBreaker.ResetTimeout,
			SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		}))
	} else {
		opts = append(opts, benteng.WithoutCircuitBreaker())
	}

	if c.RateLimit.MaxTokens > 0 {
		opts = append(opts, benteng.WithRateLimiter(c.RateLimit.MaxTokens, c.RateLimit.RefillRate))
	}
	for _, e := range c.RateLimit.Endpoints {
		if e.Endpoint == "" {
			return nil, fmt.Errorf("rate_limit.endpoints: endpoint is required")
		}
		refill := e.RefillRate
		if refill <= 0 {
			refill = c.RateLimit.RefillRate
		}
		opts = append(opts, benteng.WithEndpointRateLimiter(e.Endpoint, e.MaxTokens, refill))
	}

	if c.Cache.Enabled {
		opts = append(opts, benteng.WithCache(benteng.CacheConfig{
			MaxEntries:      c.Cache.MaxEntries,
			DefaultTTL:      c.Cache.DefaultTTL,
			DefaultMaxAge:   c.Cache.MaxAge,
			DefaultStrategy: benteng.CacheStrategy(c.Cache.Strategy),
		}))
	}
	if c.Dedup.Enabled {
		opts = append(opts, benteng.WithDeduplication(c.Dedup.MaxAge))
	}
	if c.Queue.Enabled {
		maxConcurrent, capacity := c.Queue.MaxConcurrent, c.Queue.Capacity
		if maxConcurrent == 0 {
			maxConcurrent = benteng.DefaultMaxConcurrent
		}
		if capacity == 0 {
			capacity = benteng.DefaultQueueCapacity
		}
		opts = append(opts, benteng.WithQueue(maxConcurrent, capacity))
	}
	if c.Offline.Enabled {
		opts = append(opts, benteng.WithOfflineQueue(benteng.OfflineConfig{
			SyncOnReconnect: c.Offline.SyncOnReconnect,
			MaxRetries:      c.Offline.MaxRetries,
		}))
	}
	if c.Encryption.Enabled {
		opts = append(opts, benteng.WithDecryption(benteng.BearerKeySource(c.Encryption.ServiceKey)))
	}
	if c.Debug {
		opts = append(opts, benteng.WithSimpleLogger())
	}
	return opts, nil
}

// OpenDurableStore opens the configured durable cache tier. It returns nil
// for type "none".
func (c *Config) OpenDurableStore(ctx context.Context) (benteng.DurableStore, error) {
	s := c.Cache.Store
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "", "none":
		return nil, nil
	case "redis":
		client, err := durable.DialRedis(ctx, durable.RedisOptions{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return durable.NewRedisStore(client, s.Redis.Prefix), nil
	case "bolt", "bbolt":
		return durable.OpenBolt(s.Path)
	case "sqlite":
		return durable.OpenSQLite(s.Path)
	default:
		return nil, fmt.Errorf("unknown cache store type %q", s.Type)
	}
}

// NewClient builds a client from the configuration, including its durable
// store. Closing the client closes the store.
func (c *Config) NewClient(ctx context.Context, extra ...benteng.Option) (*benteng.Client, error) {
	opts, err := c.ClientOptions()
	if err != nil {
		return nil, err
	}
	if c.Cache.Enabled {
		store, err := c.OpenDurableStore(ctx)
		if err != nil {
			return nil, err
		}
		if store != nil {
			opts = append(opts, benteng.WithDurableStore(store))
		}
	}
	client := benteng.New(append(opts, extra...)...)
	if err := client.ValidationError(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
