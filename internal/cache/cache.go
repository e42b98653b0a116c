package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/switchyard/internal/aggregate"
)

// Backend is a TTL key/value store for encoded responses.
type Backend interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key for a tenant and normalized query. The tenant
// is length-prefixed so no (tenant, query) pair can alias another, and the
// full SHA-256 digest is kept.
func Key(tenantID, normalizedQuery string) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(tenantID)))
	h.Write(n[:])
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(normalizedQuery))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the tenant-scoped response cache with in-flight collapsing.
type Cache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
}

// New creates a Cache over backend. ttl is the default entry lifetime.
func New(backend Backend, ttl time.Duration) *Cache {
	if backend == nil {
		backend = Noop{}
	}
	return &Cache{backend: backend, ttl: ttl}
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached response for the tenant's query. A backend error is
// returned as-is so the caller can record it and carry on uncached.
func (c *Cache) Get(ctx context.Context, tenantID, normalizedQuery string) (aggregate.Response, bool, error) {
	raw, ok, err := c.backend.Get(ctx, Key(tenantID, normalizedQuery))
	if err != nil || !ok {
		return aggregate.Response{}, false, err
	}
	var resp aggregate.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return aggregate.Response{}, false, fmt.Errorf("decoding cached response: %w", err)
	}
	return resp, true, nil
}

// Set stores resp for ttl, or the default lifetime when ttl is zero.
func (c *Cache) Set(ctx context.Context, tenantID, normalizedQuery string, resp aggregate.Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	resp.CacheHit = false
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return c.backend.Set(ctx, Key(tenantID, normalizedQuery), raw, ttl)
}

// Delete removes the tenant's cached response for the query.
func (c *Cache) Delete(ctx context.Context, tenantID, normalizedQuery string) error {
	return c.backend.Delete(ctx, Key(tenantID, normalizedQuery))
}

// Do runs fn once per key among concurrent callers; every waiter receives
// the same result. shared reports whether the result was produced by
// another caller. fn keeps running if a waiter's ctx is cancelled.
func (c *Cache) Do(ctx context.Context, key string, fn func() (aggregate.Response, error)) (resp aggregate.Response, shared bool, err error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return aggregate.Response{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return aggregate.Response{}, r.Shared, r.Err
		}
		return r.Val.(aggregate.Response), r.Shared, nil
	}
}
