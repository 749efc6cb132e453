package durable

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ambiyansyah-risyal/benteng"
)

var (
	_ benteng.DurableStore = (*RedisStore)(nil)
	_ benteng.DurableStore = (*BoltStore)(nil)
	_ benteng.DurableStore = (*SQLiteStore)(nil)
)

// exerciseStore checks the behaviour every store shares. advance moves the
// store's clock forward.
func exerciseStore(t *testing.T, store benteng.DurableStore, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Expected miss for unknown key, got found=%v err=%v", found, err)
	}

	if err := store.Put(ctx, "a", []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	value, found, err := store.Get(ctx, "a")
	if err != nil || !found || !bytes.Equal(value, []byte(`{"v":1}`)) {
		t.Fatalf("Expected stored value, got %s found=%v err=%v", value, found, err)
	}

	if err := store.Put(ctx, "a", []byte(`{"v":2}`), 0); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if value, _, _ := store.Get(ctx, "a"); string(value) != `{"v":2}` {
		t.Errorf("Expected overwrite, got %s", value)
	}

	if err := store.Put(ctx, "short", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if _, found, _ := store.Get(ctx, "short"); !found {
		t.Error("Expected value before its TTL")
	}
	advance(2 * time.Minute)
	if _, found, err := store.Get(ctx, "short"); err != nil || found {
		t.Errorf("Expected value gone after its TTL, got found=%v err=%v", found, err)
	}
	if _, found, _ := store.Get(ctx, "a"); !found {
		t.Error("Expected value without TTL to survive")
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if _, found, _ := store.Get(ctx, "a"); found {
		t.Error("Expected deleted value to be gone")
	}
	if err := store.Delete(ctx, "never-stored"); err != nil {
		t.Errorf("Expected deleting an unknown key to succeed, got %v", err)
	}

	for _, k := range []string{"x", "y", "z"} {
		if err := store.Put(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("Put() returned error: %v", err)
		}
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() returned error: %v", err)
	}
	for _, k := range []string{"x", "y", "z"} {
		if _, found, _ := store.Get(ctx, k); found {
			t.Errorf("Expected %s cleared", k)
		}
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:")
	defer store.Close()

	exerciseStore(t, store, mr.FastForward)
}

func TestRedisStoreClearKeepsOtherPrefixes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	if err := client.Set(ctx, "other:keep", "1", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}

	store := NewRedisStore(client, "")
	if err := store.Put(ctx, "drop", []byte("1"), 0); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if !mr.Exists(DefaultRedisPrefix + "drop") {
		t.Fatal("Expected default prefix on stored keys")
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() returned error: %v", err)
	}
	if mr.Exists(DefaultRedisPrefix + "drop") {
		t.Error("Expected prefixed key cleared")
	}
	if !mr.Exists("other:keep") {
		t.Error("Expected unrelated key to survive Clear")
	}
}

func TestDialRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client, err := DialRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("DialRedis() returned error: %v", err)
	}
	_ = client.Close()

	mr.Close()
	if _, err := DialRedis(context.Background(), RedisOptions{Addr: mr.Addr()}); err == nil {
		t.Error("Expected error dialing a stopped server")
	}
}

func TestBoltStore(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}
	defer store.Close()

	c := &clock{now: time.Now()}
	store.now = c.Now
	exerciseStore(t, store, c.Advance)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}
	if err := store.Put(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}
	defer reopened.Close()
	if value, found, err := reopened.Get(ctx, "k"); err != nil || !found || string(value) != "v" {
		t.Errorf("Expected value after reopen, got %s found=%v err=%v", value, found, err)
	}
}

func TestBoltStorePurgeExpired(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}
	defer store.Close()
	c := &clock{now: time.Now()}
	store.now = c.Now
	ctx := context.Background()

	_ = store.Put(ctx, "old", []byte("1"), time.Second)
	_ = store.Put(ctx, "forever", []byte("2"), 0)
	c.Advance(time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 purged value, got %d (%v)", n, err)
	}
	if _, found, _ := store.Get(ctx, "forever"); !found {
		t.Error("Expected value without TTL to survive purge")
	}
}

func TestBoltStoreRequiresPath(t *testing.T) {
	if _, err := OpenBolt("  "); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestBoltStoreCanceledContext(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Put(ctx, "k", []byte("v"), 0); err == nil {
		t.Error("Expected canceled context to abort Put")
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite() returned error: %v", err)
	}
	defer store.Close()

	c := &clock{now: time.Now()}
	store.now = c.Now
	exerciseStore(t, store, c.Advance)
}

func TestSQLiteStorePurgeExpired(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite() returned error: %v", err)
	}
	defer store.Close()
	c := &clock{now: time.Now()}
	store.now = c.Now
	ctx := context.Background()

	_ = store.Put(ctx, "old-1", []byte("1"), time.Second)
	_ = store.Put(ctx, "old-2", []byte("1"), time.Second)
	_ = store.Put(ctx, "forever", []byte("2"), 0)
	c.Advance(time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil || n != 2 {
		t.Errorf("Expected 2 purged rows, got %d (%v)", n, err)
	}
	if _, found, _ := store.Get(ctx, "forever"); !found {
		t.Error("Expected row without TTL to survive purge")
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestStoreBacksClientCache(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenBolt() returned error: %v", err)
	}

	var hits int
	transport := benteng.TransportFunc(func(ctx context.Context, req *benteng.Request) (*benteng.Response, error) {
		hits++
		return &benteng.Response{Data: []byte(`{"n":1}`), Status: 200, Request: req}, nil
	})
	policy := benteng.CachePolicy{Strategy: benteng.CacheFirst}

	first := benteng.New(benteng.WithTransport(transport), benteng.WithDurableStore(store))
	if _, err := first.Get(context.Background(), "/items", benteng.WithCachePolicy(policy)); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}

	// A second client shares only the durable tier.
	second := benteng.New(benteng.WithTransport(transport), benteng.WithDurableStore(store))
	resp, err := second.Get(context.Background(), "/items", benteng.WithCachePolicy(policy))
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if !resp.FromCache || hits != 1 {
		t.Errorf("Expected durable hit without a second fetch, got fromCache=%v hits=%d", resp.FromCache, hits)
	}
	if err := second.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}
