package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"safelink/codec"
	"safelink/parser"
	"safelink/store"
)

var (
	// ErrRateLimited is returned when a registry fetch was attempted too
	// recently.
	ErrRateLimited = errors.New("registry update rate limited")
	// ErrNoRecords is returned when registry content yields no valid record.
	// The previous rules stay in place.
	ErrNoRecords = errors.New("registry contains no valid records")
	// ErrNoSource is returned when no registry URL or local path is configured.
	ErrNoSource = errors.New("no registry source configured")
)

// UpdateResult describes a registry update.
type UpdateResult struct {
	Skipped      bool         `json:"skipped"` // content was fresh, nothing fetched
	FromCache    bool         `json:"fromCache"`
	Degraded     bool         `json:"degraded"` // decoded via the UTF-8 fallback
	PhrasesAdded int          `json:"phrasesAdded"`
	TotalPhrases int          `json:"totalPhrases"`
	URLsAdded    int          `json:"urlsAdded"`
	TotalURLs    int          `json:"totalUrls"`
	Stats        parser.Stats `json:"stats"`
	LastUpdated  time.Time    `json:"lastUpdated"`
}

// Info summarizes the registry-derived rules.
type Info struct {
	TotalPhrases int            `json:"totalPhrases"`
	Categories   map[string]int `json:"categories"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	Fresh        bool           `json:"fresh"`
	Source       string         `json:"source"`
	// CachedAt is when the registry was last downloaded, zero if never.
	CachedAt time.Time `json:"cachedAt,omitempty"`
}

// NeedsRefresh reports whether the registry-derived rules are older than the
// freshness window.
func (c *Compiler) NeedsRefresh(ctx context.Context) bool {
	ts, _, err := store.GetJSON[int64](ctx, c.store, KeyRegistryTimestamp)
	if err != nil {
		return true
	}
	return !c.fresh(ts)
}

func (c *Compiler) fresh(tsMillis int64) bool {
	if tsMillis == 0 {
		return false
	}
	return c.opts.Now().Sub(time.UnixMilli(tsMillis)) < c.opts.FreshFor
}

// UpdateFromRegistry fetches the registry, parses it and unions the result
// into the persisted registry rules. Fresh content is left alone unless force
// is set. Attempts closer together than MinAttemptInterval fail with
// ErrRateLimited. Concurrent callers share one fetch.
func (c *Compiler) UpdateFromRegistry(ctx context.Context, force bool) (*UpdateResult, error) {
	if c.opts.RegistryURL == "" {
		return nil, ErrNoSource
	}
	v, err, _ := c.flight.Do("registry", func() (any, error) {
		return c.updateFromRegistry(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UpdateResult), nil
}

func (c *Compiler) updateFromRegistry(ctx context.Context, force bool) (*UpdateResult, error) {
	m, err := c.store.Get(ctx, KeyRegistryTimestamp, KeyRegistryAttempt)
	if err != nil {
		return nil, fmt.Errorf("read registry state: %w", err)
	}
	var ts, attempt int64
	if raw, ok := m[KeyRegistryTimestamp]; ok {
		decodeInto(raw, &ts)
	}
	if raw, ok := m[KeyRegistryAttempt]; ok {
		decodeInto(raw, &attempt)
	}

	if !force && c.fresh(ts) {
		log.Printf("[REGISTRY] Rules are fresh (updated %s), skipping fetch", time.UnixMilli(ts).Format(time.RFC3339))
		return &UpdateResult{Skipped: true, LastUpdated: time.UnixMilli(ts)}, nil
	}
	now := c.opts.Now()
	if attempt != 0 && now.Sub(time.UnixMilli(attempt)) < c.opts.MinAttemptInterval {
		return nil, ErrRateLimited
	}
	if err := store.SetJSON(ctx, c.store, map[string]any{KeyRegistryAttempt: now.UnixMilli()}); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	log.Printf("[REGISTRY] Fetching %s", c.opts.RegistryURL)
	data, fromCache, err := c.loader.Fetch(ctx, c.opts.RegistryURL)
	if err != nil {
		return nil, err
	}
	res, err := c.merge(ctx, data, !fromCache)
	if err != nil {
		return nil, err
	}
	res.FromCache = fromCache
	return res, nil
}

// LoadLocalRegistry parses the registry export at the configured local path
// and merges it like a download. The freshness timestamp is not advanced.
func (c *Compiler) LoadLocalRegistry(ctx context.Context) (*UpdateResult, error) {
	if c.opts.LocalRegistryPath == "" {
		return nil, ErrNoSource
	}
	data, err := c.loader.LoadFile(c.opts.LocalRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("load local registry: %w", err)
	}
	log.Printf("[REGISTRY] Loading local file %s", c.opts.LocalRegistryPath)
	return c.merge(ctx, data, false)
}

// merge decodes and parses data, unions it with the persisted registry rules
// and reloads. stamp sets the freshness timestamp.
func (c *Compiler) merge(ctx context.Context, data []byte, stamp bool) (*UpdateResult, error) {
	text, degraded := codec.DecodeRegistry(data)
	if degraded {
		log.Printf("[REGISTRY] Content decoded as UTF-8, results may be degraded")
	}

	p, err := c.readPersisted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read registry rules: %w", err)
	}
	exceptions := append(append(append([]string{}, DefaultExceptions...), c.opts.Exceptions...), p.exceptions...)
	parsed := parser.New(exceptions).Parse(text)
	if parsed.Empty() {
		log.Printf("[REGISTRY] No valid records in %d lines, keeping previous rules", parsed.Stats.Lines)
		return nil, ErrNoRecords
	}

	c.mu.Lock()
	// Re-read right before writing so a concurrent writer is not clobbered by
	// the copy taken before parsing.
	p, err = c.readPersisted(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("read registry rules: %w", err)
	}
	phrases := union(p.registryPhrases, parsed.Phrases)
	urls := union(p.registryURLs, parsed.URLs)
	categories := make(map[string][]string, len(parser.Categories))
	for cat, list := range p.registryCategories {
		categories[cat] = list
	}
	for cat, list := range parsed.Categories {
		categories[cat] = union(categories[cat], list)
	}

	now := c.opts.Now()
	items := map[string]any{
		KeyRegistryPhrases:    phrases,
		KeyRegistryURLs:       urls,
		KeyRegistryCategories: categories,
	}
	var lastUpdated time.Time
	if p.registryTimestamp != 0 {
		lastUpdated = time.UnixMilli(p.registryTimestamp)
	}
	if stamp {
		items[KeyRegistryTimestamp] = now.UnixMilli()
		lastUpdated = now
	}
	err = store.SetJSON(ctx, c.store, items)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist registry rules: %w", err)
	}

	res := &UpdateResult{
		Degraded:     degraded,
		PhrasesAdded: len(phrases) - len(p.registryPhrases),
		TotalPhrases: len(phrases),
		URLsAdded:    len(urls) - len(p.registryURLs),
		TotalURLs:    len(urls),
		Stats:        parsed.Stats,
		LastUpdated:  lastUpdated,
	}
	log.Printf("[REGISTRY] %d records parsed: %d new phrases (%d total), %d new URLs (%d total)",
		parsed.Stats.ValidRecords, res.PhrasesAdded, res.TotalPhrases, res.URLsAdded, res.TotalURLs)

	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// ClearPhrases removes every registry-derived phrase and category along with
// the freshness timestamp, then reloads. User lists are untouched.
func (c *Compiler) ClearPhrases(ctx context.Context) error {
	c.mu.Lock()
	err := c.store.Remove(ctx, KeyRegistryPhrases, KeyRegistryCategories, KeyRegistryTimestamp)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear phrases: %w", err)
	}
	log.Printf("[REGISTRY] All registry phrases cleared")
	return c.Reload(ctx)
}

// Info reports the registry-derived phrase counts and freshness.
func (c *Compiler) Info(ctx context.Context) (*Info, error) {
	p, err := c.readPersisted(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{
		TotalPhrases: len(c.Active().BlockedPhrases),
		Categories:   make(map[string]int),
		Fresh:        c.fresh(p.registryTimestamp),
		Source:       c.opts.RegistryURL,
	}
	if p.registryTimestamp != 0 {
		info.LastUpdated = time.UnixMilli(p.registryTimestamp)
	}
	if at, ok := c.loader.CachedAt(c.opts.RegistryURL); ok {
		info.CachedAt = at
	}
	for cat, set := range c.Active().PhraseCategories {
		info.Categories[cat] = len(set)
	}
	return info, nil
}

func decodeInto(raw []byte, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Printf("Warning: ignoring malformed registry state: %v", err)
	}
}
