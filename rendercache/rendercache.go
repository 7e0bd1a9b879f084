// Package rendercache caches rendered page-change fragments for a short TTL.
//
// All recipients of one page change within the same accumulation window share
// a single render: concurrent requests for the same key collapse onto one
// in-flight render via singleflight, and the result is reused until it
// expires. Render failures are never cached, so the next caller retries.
package rendercache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wikinotify/pkg/digest"
)

// Key identifies one rendered fragment. Two recipients get the same fragment
// only when tenant, page, change horizon, locale and timezone all match.
type Key struct {
	Tenant   digest.TenantID
	Page     digest.PageID
	Since    time.Time
	Locale   string
	Timezone string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%s/%s", k.Tenant, k.Page, k.Since.UnixNano(), k.Locale, k.Timezone)
}

// RenderFunc produces the fragment on a cache miss.
type RenderFunc func(ctx context.Context) (*digest.PageChange, error)

type entry struct {
	change    *digest.PageChange
	expiresAt time.Time
}

// Cache is the TTL render cache.
type Cache struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// GetOrRender returns the cached fragment for key, or invokes render exactly
// once per key even under concurrent callers and caches the result. A failed
// render is propagated to every waiter and not cached.
func (c *Cache) GetOrRender(ctx context.Context, key Key, render RenderFunc) (*digest.PageChange, error) {
	id := key.String()
	if change, ok := c.lookup(id); ok {
		return change, nil
	}

	v, err, shared := c.group.Do(id, func() (any, error) {
		// another flight may have populated the cache while we waited
		if change, ok := c.lookup(id); ok {
			return change, nil
		}
		change, err := render(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[id] = entry{change: change, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return change, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", digest.ErrRenderFailure, err)
	}
	if shared {
		c.logger.Debug("Render shared across waiters", "key", id)
	}
	return v.(*digest.PageChange), nil
}

// lookup checks for an unexpired entry. Expiry is lazy: an expired entry is
// removed on access.
func (c *Cache) lookup(id string) (*digest.PageChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[id]
	if !found {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, id)
		return nil, false
	}
	return e.change, true
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts expired entries. Only needed to bound memory for keys that
// are never accessed again; correctness relies on lazy expiry alone.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	var evicted int
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
			evicted++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()
	if evicted > 0 {
		c.logger.Debug("Render cache swept", "evicted", evicted, "remaining", remaining)
	}
}
