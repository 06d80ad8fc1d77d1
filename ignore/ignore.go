// Package ignore remembers URLs the user chose to open despite a warning, for
// a short window, in memory and in the store.
package ignore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"safelink/store"
	"safelink/ttlcache"
)

// KeyIgnoredURLs is the store key holding normalized URL -> insertion time
// in unix milliseconds.
const KeyIgnoredURLs = "safelink_ignored_urls"

// DefaultTTL is how long an approval lasts.
const DefaultTTL = 60 * time.Second

// Cache is the two-tier ignore cache. The in-process tier holds both the raw
// and the normalized URL; the store holds only the normalized one.
type Cache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	mem   *ttlcache.Cache[string, struct{}]

	// mu serializes read-modify-write cycles on the persisted map.
	mu sync.Mutex
}

// New creates a Cache. ttl defaults to DefaultTTL, now to time.Now.
func New(st store.Store, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store: st,
		ttl:   ttl,
		now:   now,
		mem:   ttlcache.New[string, struct{}](now),
	}
}

// Normalize rebuilds rawURL with every query value percent-decoded, so that
// cosmetic re-encoding of a resubmitted URL compares equal. Unparseable
// input is returned unchanged.
func Normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	for key, values := range q {
		for i, v := range values {
			if dec, err := url.PathUnescape(v); err == nil {
				values[i] = dec
			}
		}
		q[key] = values
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Add marks rawURL as ignored for the TTL.
func (c *Cache) Add(ctx context.Context, rawURL string) error {
	norm := Normalize(rawURL)
	c.mem.Set(rawURL, struct{}{}, c.ttl)
	c.mem.Set(norm, struct{}{}, c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		return err
	}
	entries[norm] = c.now().UnixMilli()
	if err := c.save(ctx, entries); err != nil {
		return err
	}
	log.Printf("[IGNORE] %s for %s", norm, c.ttl)
	return nil
}

// IsIgnored reports whether rawURL was added less than TTL ago. The memory
// tier is checked first; a hit in the store backfills it, an expired store
// entry is removed. Store failures read as not ignored.
func (c *Cache) IsIgnored(ctx context.Context, rawURL string) bool {
	norm := Normalize(rawURL)
	if _, ok := c.mem.Get(rawURL); ok {
		return true
	}
	if _, ok := c.mem.Get(norm); ok {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		log.Printf("Failed to read ignored URLs: %v", err)
		return false
	}
	ts, ok := entries[norm]
	if !ok {
		return false
	}
	age := c.now().Sub(time.UnixMilli(ts))
	if age < c.ttl {
		c.mem.Set(rawURL, struct{}{}, c.ttl-age)
		c.mem.Set(norm, struct{}{}, c.ttl-age)
		return true
	}
	delete(entries, norm)
	if err := c.save(ctx, entries); err != nil {
		log.Printf("Failed to remove expired ignored URL: %v", err)
	}
	return false
}

// Remove forgets rawURL in both tiers.
func (c *Cache) Remove(ctx context.Context, rawURL string) error {
	norm := Normalize(rawURL)
	c.mem.Delete(rawURL)
	c.mem.Delete(norm)

	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := entries[norm]; !ok {
		return nil
	}
	delete(entries, norm)
	return c.save(ctx, entries)
}

// Sweep drops every expired entry from both tiers and returns how many
// persisted entries were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	c.mem.Cleanup()

	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for u, ts := range entries {
		if now.Sub(time.UnixMilli(ts)) >= c.ttl {
			delete(entries, u)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.save(ctx, entries)
}

// Run sweeps every interval until ctx is done. Failures are logged.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				log.Printf("Ignore cache sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Ignore cache sweep removed %d expired entries", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Len counts persisted entries, expired ones included until the next sweep.
func (c *Cache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// load must be called with mu held. A malformed value reads as empty.
func (c *Cache) load(ctx context.Context) (map[string]int64, error) {
	m, err := c.store.Get(ctx, KeyIgnoredURLs)
	if err != nil {
		return nil, fmt.Errorf("read ignored URLs: %w", err)
	}
	entries := make(map[string]int64)
	if raw, ok := m[KeyIgnoredURLs]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			log.Printf("Warning: ignoring malformed %s: %v", KeyIgnoredURLs, err)
			entries = make(map[string]int64)
		}
	}
	return entries, nil
}

// save must be called with mu held.
func (c *Cache) save(ctx context.Context, entries map[string]int64) error {
	if err := store.SetJSON(ctx, c.store, map[string]any{KeyIgnoredURLs: entries}); err != nil {
		return fmt.Errorf("save ignored URLs: %w", err)
	}
	return nil
}
