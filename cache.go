package benteng

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ambiyansyah-risyal/benteng/internal/singleflight"
)

// CacheStrategy selects how a cached request consults the network.
type CacheStrategy string

const (
	CacheFirst           CacheStrategy = "cache-first"
	NetworkFirst         CacheStrategy = "network-first"
	StaleWhileRevalidate CacheStrategy = "stale-while-revalidate"
	CacheOnly            CacheStrategy = "cache-only"
	NetworkOnly          CacheStrategy = "network-only"
)

func (s CacheStrategy) valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, CacheOnly, NetworkOnly:
		return true
	}
	return false
}

// Cache defaults.
const (
	DefaultCacheEntries = 100
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheMaxAge  = time.Hour
)

// CachePolicy describes how one request is cached. Zero fields fall back to
// the cache manager's configuration; Key defaults to the request fingerprint.
type CachePolicy struct {
	Strategy CacheStrategy
	TTL      time.Duration
	MaxAge   time.Duration
	Tags     []string
	Key      string
}

// CacheEntry is a stored response. Past TTL it is stale; past MaxAge it is
// treated as absent.
type CacheEntry struct {
	Data       json.RawMessage `json:"data"`
	Status     int             `json:"status"`
	StatusText string          `json:"statusText,omitempty"`
	Header     http.Header     `json:"header,omitempty"`
	StoredAt   time.Time       `json:"storedAt"`
	TTL        time.Duration   `json:"ttl"`
	MaxAge     time.Duration   `json:"maxAge"`
	Tags       []string        `json:"tags,omitempty"`
}

// Fresh reports whether the entry is within its TTL at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Expired reports whether the entry is past its MaxAge at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.MaxAge
}

func (e *CacheEntry) response(req *Request) *Response {
	return &Response{
		Data:       append(json.RawMessage(nil), e.Data...),
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     e.Header.Clone(),
		Request:    req,
		ReceivedAt: e.StoredAt,
		FromCache:  true,
	}
}

// DurableStore is the second cache tier: a key-value store that outlives the
// process. Get reports found=false for missing or expired keys.
type DurableStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// CacheConfig configures a CacheManager.
type CacheConfig struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	DefaultMaxAge   time.Duration
	DefaultStrategy CacheStrategy
	Store           DurableStore
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultCacheEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultCacheTTL
	}
	if c.DefaultMaxAge <= 0 {
		c.DefaultMaxAge = DefaultCacheMaxAge
	}
	if c.DefaultMaxAge < c.DefaultTTL {
		c.DefaultMaxAge = c.DefaultTTL
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = NetworkFirst
	}
	return c
}

const (
	entryKeyPrefix = "entry:"
	tagKeyPrefix   = "tag:"
)

// CacheManager is a two-tier response cache: a bounded in-memory LRU in front
// of an optional DurableStore. Durable tier errors are logged and otherwise
// ignored, so a broken store degrades to memory-only caching.
type CacheManager struct {
	config  CacheConfig
	memory  *lru.Cache[string, *CacheEntry]
	store   DurableStore
	refresh *singleflight.Group

	tagMu sync.Mutex
	tags  map[string]map[string]struct{}
	// indexMu serialises read-modify-write cycles on durable tag indexes.
	indexMu sync.Mutex

	now     func() time.Time
	metrics *MetricsCollector
	log     debugLog
}

// NewCacheManager creates a cache manager.
func NewCacheManager(config CacheConfig) (*CacheManager, error) {
	config = config.withDefaults()
	memory, err := lru.New[string, *CacheEntry](config.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("benteng: create memory cache: %w", err)
	}
	return &CacheManager{
		config:  config,
		memory:  memory,
		store:   config.Store,
		refresh: singleflight.New(),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}, nil
}

// Get returns a live entry, memory first. A durable hit repopulates memory.
func (m *CacheManager) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	now := m.now()
	if entry, ok := m.memory.Get(key); ok {
		if !entry.Expired(now) {
			return entry, true
		}
		m.memory.Remove(key)
	}

	if m.store == nil {
		return nil, false
	}
	raw, found, err := m.store.Get(ctx, entryKeyPrefix+key)
	if err != nil {
		m.log.warn("Durable cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.log.warn("Discarding undecodable durable cache entry", "key", key, "error", err)
		_ = m.store.Delete(ctx, entryKeyPrefix+key)
		return nil, false
	}
	if entry.Expired(now) {
		_ = m.store.Delete(ctx, entryKeyPrefix+key)
		return nil, false
	}

	m.memory.Add(key, &entry)
	m.recordSize()
	return &entry, true
}

// Set stores entry in both tiers and indexes its tags.
func (m *CacheManager) Set(ctx context.Context, key string, entry *CacheEntry) {
	if entry.MaxAge < entry.TTL {
		entry.MaxAge = entry.TTL
	}
	m.memory.Add(key, entry)
	m.recordSize()

	if len(entry.Tags) > 0 {
		m.indexTags(ctx, key, entry.Tags)
	}

	if m.store == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.log.warn("Cache entry not persisted", "key", key, "error", err)
		return
	}
	if err := m.store.Put(ctx, entryKeyPrefix+key, raw, entry.MaxAge); err != nil {
		m.log.warn("Durable cache write failed", "key", key, "error", err)
	}
}

// Delete removes key from both tiers.
func (m *CacheManager) Delete(ctx context.Context, key string) {
	m.memory.Remove(key)
	m.recordSize()
	if m.store != nil {
		if err := m.store.Delete(ctx, entryKeyPrefix+key); err != nil {
			m.log.warn("Durable cache delete failed", "key", key, "error", err)
		}
	}
}

// InvalidateByTags deletes every entry carrying any of tags from both tiers
// and returns how many keys were removed.
func (m *CacheManager) InvalidateByTags(ctx context.Context, tags ...string) int {
	keys := make(map[string]struct{})

	m.tagMu.Lock()
	for _, tag := range tags {
		for key := range m.tags[tag] {
			keys[key] = struct{}{}
		}
		delete(m.tags, tag)
	}
	m.tagMu.Unlock()

	if m.store != nil {
		m.indexMu.Lock()
		for _, tag := range tags {
			for _, key := range m.loadTagIndex(ctx, tag) {
				keys[key] = struct{}{}
			}
			if err := m.store.Delete(ctx, tagKeyPrefix+tag); err != nil {
				m.log.warn("Durable tag index delete failed", "tag", tag, "error", err)
			}
		}
		m.indexMu.Unlock()
	}

	for key := range keys {
		m.Delete(ctx, key)
	}
	m.log.log(cacheCategory, "Cache invalidated by tags", "tags", tags, "keys", len(keys))
	return len(keys)
}

// Clear empties both tiers.
func (m *CacheManager) Clear(ctx context.Context) error {
	m.memory.Purge()
	m.tagMu.Lock()
	m.tags = make(map[string]map[string]struct{})
	m.tagMu.Unlock()
	m.recordSize()

	if m.store != nil {
		return m.store.Clear(ctx)
	}
	return nil
}

// Len returns the number of entries in the memory tier.
func (m *CacheManager) Len() int {
	return m.memory.Len()
}

// WaitRefresh blocks until a background revalidation of key, if any, finishes.
func (m *CacheManager) WaitRefresh(key string) {
	m.refresh.Wait(key)
}

func (m *CacheManager) indexTags(ctx context.Context, key string, tags []string) {
	m.tagMu.Lock()
	for _, tag := range tags {
		set, ok := m.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			m.tags[tag] = set
		}
		set[key] = struct{}{}
	}
	m.tagMu.Unlock()

	if m.store == nil {
		return
	}
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	for _, tag := range tags {
		keys := m.loadTagIndex(ctx, tag)
		if slices.Contains(keys, key) {
			continue
		}
		raw, err := json.Marshal(append(keys, key))
		if err != nil {
			continue
		}
		if err := m.store.Put(ctx, tagKeyPrefix+tag, raw, 0); err != nil {
			m.log.warn("Durable tag index write failed", "tag", tag, "error", err)
		}
	}
}

func (m *CacheManager) loadTagIndex(ctx context.Context, tag string) []string {
	raw, found, err := m.store.Get(ctx, tagKeyPrefix+tag)
	if err != nil || !found {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil
	}
	return keys
}

func (m *CacheManager) recordSize() {
	m.metrics.RecordCacheSize("memory", m.memory.Len())
}

// Execute serves req according to policy, calling fetch for network access
// and writing successful results back to the cache.
func (m *CacheManager) Execute(ctx context.Context, req *Request, policy CachePolicy, fetch Handler) (*Response, error) {
	strategy := policy.Strategy
	if strategy == "" {
		strategy = m.config.DefaultStrategy
	}
	key := policy.Key
	if key == "" {
		key = Fingerprint(req)
	}
	method, endpoint := req.Method, endpointOf(req)

	switch strategy {
	case CacheFirst:
		if entry, ok := m.Get(ctx, key); ok {
			m.hit(req, key, strategy)
			return entry.response(req), nil
		}
		m.miss(method, endpoint, key)
		return m.fetchAndStore(ctx, req, key, policy, fetch)

	case NetworkFirst:
		resp, err := m.fetchAndStore(ctx, req, key, policy, fetch)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if entry, ok := m.Get(ctx, key); ok {
			m.hit(req, key, strategy)
			m.log.log(cacheCategory, "Network failed, serving cached response", "requestID", req.ID, "error", err)
			return entry.response(req), nil
		}
		return nil, err

	case StaleWhileRevalidate:
		if entry, ok := m.Get(ctx, key); ok {
			m.hit(req, key, strategy)
			bg := context.WithoutCancel(ctx)
			m.refresh.TryGo(key, func() {
				if _, err := m.fetchAndStore(bg, req, key, policy, fetch); err != nil {
					m.log.log(cacheCategory, "Background revalidation failed", "key", key, "error", err)
				}
			})
			return entry.response(req), nil
		}
		m.miss(method, endpoint, key)
		return m.fetchAndStore(ctx, req, key, policy, fetch)

	case CacheOnly:
		if entry, ok := m.Get(ctx, key); ok {
			m.hit(req, key, strategy)
			return entry.response(req), nil
		}
		m.miss(method, endpoint, key)
		return nil, newClientError(ErrorTypeCacheMiss, "no cached response for cache-only request", ErrCacheMiss, req)

	case NetworkOnly:
		return m.fetchAndStore(ctx, req, key, policy, fetch)

	default:
		return nil, newClientError(ErrorTypeValidation, fmt.Sprintf("unknown cache strategy %q", strategy), nil, req)
	}
}

func (m *CacheManager) fetchAndStore(ctx context.Context, req *Request, key string, policy CachePolicy, fetch Handler) (*Response, error) {
	resp, err := fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	m.writeBack(ctx, key, policy, resp)
	return resp, nil
}

func (m *CacheManager) writeBack(ctx context.Context, key string, policy CachePolicy, resp *Response) {
	if resp == nil || resp.Status < 200 || resp.Status > 299 {
		return
	}

	headerTTL, explicit, storable := responseTTL(resp.Header)
	if !storable {
		m.log.log(cacheCategory, "Response marked no-store", "key", key)
		return
	}

	ttl := policy.TTL
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
		if explicit {
			ttl = headerTTL
		}
	}
	maxAge := policy.MaxAge
	if maxAge <= 0 {
		maxAge = m.config.DefaultMaxAge
	}
	if maxAge < ttl {
		maxAge = ttl
	}
	if maxAge <= 0 {
		return
	}

	m.Set(ctx, key, &CacheEntry{
		Data:       append(json.RawMessage(nil), resp.Data...),
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header.Clone(),
		StoredAt:   m.now(),
		TTL:        ttl,
		MaxAge:     maxAge,
		Tags:       append([]string(nil), policy.Tags...),
	})
}

func (m *CacheManager) hit(req *Request, key string, strategy CacheStrategy) {
	m.metrics.RecordCacheHit(req.Method, endpointOf(req))
	m.log.log(cacheCategory, "Cache hit", "requestID", req.ID, "key", key, "strategy", string(strategy))
}

func (m *CacheManager) miss(method, endpoint, key string) {
	m.metrics.RecordCacheMiss(method, endpoint)
	m.log.log(cacheCategory, "Cache miss", "key", key)
}
