package server

import (
	"context"
	"log"
	"sync"
	"time"

	"safelink/ttlcache"
)

// Redirects holds the latest warn redirect per tab until the tab's client
// collects it. Uncollected redirects expire.
type Redirects struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[int, string]
	ttl   time.Duration
}

// NewRedirects creates a queue whose entries live for ttl.
func NewRedirects(ttl time.Duration, now func() time.Time) *Redirects {
	return &Redirects{
		cache: ttlcache.New[int, string](now),
		ttl:   ttl,
	}
}

// Redirect records target for tabID.
func (r *Redirects) Redirect(_ context.Context, tabID int, target string) error {
	r.cache.Set(tabID, target, r.ttl)
	log.Printf("[REDIRECT] Tab %d -> %s", tabID, target)
	return nil
}

// Take returns and forgets the pending redirect for tabID.
func (r *Redirects) Take(tabID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.cache.Get(tabID)
	if ok {
		r.cache.Delete(tabID)
	}
	return target, ok
}

// Run drops expired redirects every interval until ctx is done.
func (r *Redirects) Run(ctx context.Context, interval time.Duration) {
	r.cache.Run(ctx, interval)
}
