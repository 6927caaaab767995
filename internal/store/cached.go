package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// CachedRepository is a read-through, write-through ristretto cache in front
// of another Repository. Cached values are encoded records, so every Load
// still returns a fresh copy.
type CachedRepository struct {
	next  Repository
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewCachedRepository wraps next. maxCostBytes bounds the total size of
// cached records; ttl of zero disables expiry.
func NewCachedRepository(next Repository, maxCostBytes int64, ttl time.Duration) (*CachedRepository, error) {
	if maxCostBytes <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating state cache: %w", err)
	}
	return &CachedRepository{next: next, cache: c, ttl: ttl}, nil
}

// Close shuts down the cache. It does not close the wrapped repository.
func (r *CachedRepository) Close() {
	r.cache.Close()
}

func (r *CachedRepository) Load(ctx context.Context, key protocol.Key) (*protocol.State, error) {
	if data, ok := r.cache.Get(key.String()); ok {
		return Decode(key, data)
	}
	st, err := r.next.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	r.put(st)
	return st, nil
}

// Save writes through. A conflict drops the cached record so the next Load
// sees what the other writer stored.
func (r *CachedRepository) Save(ctx context.Context, st *protocol.State) error {
	key := st.Key().String()
	if err := r.next.Save(ctx, st); err != nil {
		if errors.Is(err, ErrConflict) {
			r.cache.Del(key)
		}
		return err
	}
	r.put(st)
	return nil
}

func (r *CachedRepository) put(st *protocol.State) {
	key := st.Key().String()
	data, err := Encode(st)
	if err != nil {
		r.cache.Del(key)
		return
	}
	r.cache.Del(key)
	r.cache.SetWithTTL(key, data, int64(len(data)), r.ttl)
	r.cache.Wait()
}

func (r *CachedRepository) Exists(ctx context.Context, key protocol.Key) (bool, error) {
	if _, ok := r.cache.Get(key.String()); ok {
		return true, nil
	}
	return r.next.Exists(ctx, key)
}

func (r *CachedRepository) Delete(ctx context.Context, key protocol.Key) error {
	r.cache.Del(key.String())
	return r.next.Delete(ctx, key)
}

func (r *CachedRepository) List(ctx context.Context, kind string) ([]protocol.Key, error) {
	return r.next.List(ctx, kind)
}
