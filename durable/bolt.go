package durable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const cacheBucket = "cache"

// expiryHeader is the size of the expiry prefix on every stored value.
const expiryHeader = 8

// BoltStore keeps cache values in a single BoltDB file. Each value is prefixed
// with its expiry in Unix nanoseconds, zero meaning none.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens or creates a BoltDB-backed store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &BoltStore{db: db, now: time.Now}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value stored under key. Expired values are removed.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		value   []byte
		expired bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if len(raw) < expiryHeader {
			expired = true
			return nil
		}
		if s.isExpired(raw) {
			expired = true
			return nil
		}
		value = append([]byte(nil), raw[expiryHeader:]...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		return nil, false, s.Delete(ctx, key)
	}
	return value, value != nil, nil
}

// Put stores value under key. ttl <= 0 stores it without expiry.
func (s *BoltStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("cache key is required")
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}
	payload := make([]byte, expiryHeader+len(value))
	binary.BigEndian.PutUint64(payload, uint64(expiresAt))
	copy(payload[expiryHeader:], value)

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		return bucket.Put([]byte(key), payload)
	})
}

// Delete removes key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// Clear removes every value.
func (s *BoltStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(cacheBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("delete cache bucket: %w", err)
		}
		if _, err := tx.CreateBucket([]byte(cacheBucket)); err != nil {
			return fmt.Errorf("create cache bucket: %w", err)
		}
		return nil
	})
}

// PurgeExpired deletes every expired value and returns how many were removed.
func (s *BoltStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cacheBucket))
		if bucket == nil {
			return fmt.Errorf("cache bucket is missing")
		}
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if len(v) < expiryHeader || s.isExpired(v) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *BoltStore) isExpired(raw []byte) bool {
	expiresAt := int64(binary.BigEndian.Uint64(raw[:expiryHeader]))
	return expiresAt != 0 && s.now().UnixNano() >= expiresAt
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(cacheBucket)); err != nil {
			return fmt.Errorf("create cache bucket: %w", err)
		}
		return nil
	})
}
