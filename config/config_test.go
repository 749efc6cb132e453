package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ambiyansyah-risyal/benteng"
	"github.com/ambiyansyah-risyal/benteng/durable"
)

const sampleYAML = `
base_url: https://api.example.com
timeout: 15s
retry:
  max_attempts: 5
  initial_delay: 200ms
  max_delay: 2s
  strategy: linear
  jitter: 0.2
circuit_breaker:
  enabled: true
  failure_threshold: 3
  reset_timeout: 10s
rate_limit:
  max_tokens: 20
  refill_rate: 500ms
  endpoints:
    - endpoint: /search
      max_tokens: 2
cache:
  enabled: true
  max_entries: 50
  default_ttl: 1m
  strategy: cache-first
  store:
    type: bolt
    path: cache.db
dedup:
  enabled: true
queue:
  enabled: true
  max_concurrent: 4
offline:
  enabled: true
  sync_on_reconnect: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benteng.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BaseURL != "https://api.example.com" {
		t.Errorf("Expected base URL, got %q", cfg.BaseURL)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Expected timeout 15s, got %v", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.Strategy != "linear" {
		t.Errorf("Expected 5 linear attempts, got %d %q", cfg.Retry.MaxAttempts, cfg.Retry.Strategy)
	}
	if cfg.Retry.InitialDelay != 200*time.Millisecond {
		t.Errorf("Expected initial delay 200ms, got %v", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.Jitter != 0.2 {
		t.Errorf("Expected jitter 0.2, got %v", cfg.Retry.Jitter)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("Expected failure threshold 3, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if len(cfg.RateLimit.Endpoints) != 1 || cfg.RateLimit.Endpoints[0].Endpoint != "/search" {
		t.Errorf("Expected one endpoint limit for /search, got %+v", cfg.RateLimit.Endpoints)
	}
	if cfg.Cache.Strategy != "cache-first" || cfg.Cache.DefaultTTL != time.Minute {
		t.Errorf("Expected cache-first with 1m TTL, got %q %v", cfg.Cache.Strategy, cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.Store.Type != "bolt" || cfg.Cache.Store.Path != "cache.db" {
		t.Errorf("Expected bolt store at cache.db, got %+v", cfg.Cache.Store)
	}
	if !cfg.Dedup.Enabled || !cfg.Queue.Enabled || !cfg.Offline.SyncOnReconnect {
		t.Errorf("Expected dedup, queue and offline sync enabled, got %+v", cfg)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected missing file to be ignored, got %v", err)
	}

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != benteng.DefaultMaxAttempts {
		t.Errorf("Expected default attempts %d, got %d", benteng.DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Strategy != benteng.BackoffExponential {
		t.Errorf("Expected exponential strategy, got %q", cfg.Retry.Strategy)
	}
	if !cfg.CircuitBreaker.Enabled {
		t.Error("Expected circuit breaker enabled by default")
	}
	if cfg.Cache.Store.Type != "none" {
		t.Errorf("Expected store type none, got %q", cfg.Cache.Store.Type)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BENTENG_RETRY__MAX_ATTEMPTS", "7")
	t.Setenv("BENTENG_TIMEOUT", "5s")
	t.Setenv("BENTENG_CACHE__STORE__TYPE", "sqlite")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("Expected env to override attempts to 7, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Expected env to override timeout to 5s, got %v", cfg.Timeout)
	}
	if cfg.Cache.Store.Type != "sqlite" {
		t.Errorf("Expected store type sqlite, got %q", cfg.Cache.Store.Type)
	}
	if cfg.Retry.Strategy != "linear" {
		t.Errorf("Expected file value to survive, got %q", cfg.Retry.Strategy)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	if _, err := Load(writeConfig(t, "timeout: soon\n")); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "retry: [unclosed\n")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestClientOptionsBuildValidClient(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	opts, err := cfg.ClientOptions()
	if err != nil {
		t.Fatalf("ClientOptions failed: %v", err)
	}
	client := benteng.New(opts...)
	if err := client.ValidationError(); err != nil {
		t.Errorf("Expected valid client, got %v", err)
	}
}

func TestClientOptionsInvalidStrategy(t *testing.T) {
	cfg, err := Load(writeConfig(t, "retry:\n  strategy: sideways\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	opts, err := cfg.ClientOptions()
	if err != nil {
		t.Fatalf("ClientOptions failed: %v", err)
	}
	if benteng.New(opts...).IsValid() {
		t.Error("Expected unknown backoff strategy to fail validation")
	}
}

func TestClientOptionsEndpointRequired(t *testing.T) {
	cfg := &Config{RateLimit: RateLimitConfig{Endpoints: []EndpointLimitConfig{{MaxTokens: 1}}}}

	if _, err := cfg.ClientOptions(); err == nil {
		t.Error("Expected error for endpoint limit without endpoint")
	}
}

func TestOpenDurableStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		store   StoreConfig
		wantNil bool
		wantErr bool
	}{
		{name: "none", store: StoreConfig{Type: "none"}, wantNil: true},
		{name: "empty", store: StoreConfig{}, wantNil: true},
		{name: "bolt", store: StoreConfig{Type: "bolt", Path: filepath.Join(dir, "cache.db")}},
		{name: "sqlite", store: StoreConfig{Type: "sqlite", Path: filepath.Join(dir, "cache.sqlite")}},
		{name: "bolt without path", store: StoreConfig{Type: "bolt"}, wantErr: true},
		{name: "unknown", store: StoreConfig{Type: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Cache: CacheConfig{Store: tt.store}}
			store, err := cfg.OpenDurableStore(t.Context())
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenDurableStore failed: %v", err)
			}
			if (store == nil) != tt.wantNil {
				t.Fatalf("Expected nil store %v, got %v", tt.wantNil, store)
			}
			if store == nil {
				return
			}
			t.Cleanup(func() { _ = store.(io.Closer).Close() })
			if err := store.Put(t.Context(), "k", []byte("v"), time.Minute); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, ok, err := store.Get(t.Context(), "k")
			if err != nil || !ok || string(got) != "v" {
				t.Errorf("Expected stored value, got %q %v %v", got, ok, err)
			}
		})
	}
}

func TestOpenDurableStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &Config{Cache: CacheConfig{Store: StoreConfig{
		Type:  "redis",
		Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
	}}}

	store, err := cfg.OpenDurableStore(context.Background())
	if err != nil {
		t.Fatalf("OpenDurableStore failed: %v", err)
	}
	redisStore, ok := store.(*durable.RedisStore)
	if !ok {
		t.Fatalf("Expected *durable.RedisStore, got %T", store)
	}
	t.Cleanup(func() { _ = redisStore.Close() })
	if err := store.Put(t.Context(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("test:k") {
		t.Error("Expected key stored under configured prefix")
	}
}

func TestNewClientWithDurableStore(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Cache.Store.Path = filepath.Join(t.TempDir(), "cache.db")

	client, err := cfg.NewClient(t.Context())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
