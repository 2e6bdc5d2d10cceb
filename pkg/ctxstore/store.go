// Package ctxstore provides the TTL-aware key/value abstraction backing the
// expiring conversation context layers. The backing technology is
// replaceable behind Store; the in-process implementation rides on
// ristretto.
package ctxstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Store is a TTL-aware key/value store. Every call honors ctx cancellation;
// callers attach their own per-call timeout.
type Store interface {
	// Get returns the value for key, or found=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set writes value under key with the given TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes key.
	Del(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// Ristretto-backed implementation
// ---------------------------------------------------------------------------

// MemoryStore is an in-process Store on a ristretto cache.
type MemoryStore struct {
	cache *ristretto.Cache
}

// NewMemoryStore creates a MemoryStore with a bounded memory budget.
func NewMemoryStore(maxBytes int64) (*MemoryStore, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if ttl > 0 {
		s.cache.SetWithTTL(key, value, cost, ttl)
	} else {
		s.cache.Set(key, value, cost)
	}
	// Ristretto applies writes asynchronously; the pipeline needs
	// read-your-writes between turns.
	s.cache.Wait()
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.Del(key)
	return nil
}

// Close releases the cache resources.
func (s *MemoryStore) Close() { s.cache.Close() }

// Compile-time verification
var _ Store = (*MemoryStore)(nil)
