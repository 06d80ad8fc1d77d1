package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"safelink/parser"
	"safelink/store"
)

// Options configures a Compiler.
type Options struct {
	RegistryURL        string
	LocalRegistryPath  string
	FreshFor           time.Duration     // registry content younger than this is not re-fetched
	MinAttemptInterval time.Duration     // minimum spacing between fetch attempts
	SearchEngines      map[string]string // domain -> query parameter
	Exceptions         []string          // curated exceptions on top of DefaultExceptions
	BaselineSites      string            // bundled blocked-sites.json
	BaselinePhrases    string            // bundled blocked-phrases.json
	Now                func() time.Time
}

// Compiler owns the authoritative RuleSet. It merges registry-derived rules,
// bundled baseline lists and user lists, persists user and registry state in
// the store, and publishes a fresh immutable snapshot after every change.
type Compiler struct {
	store  store.Store
	loader *parser.Loader
	opts   Options

	active atomic.Pointer[RuleSet]

	// mu serializes read-modify-write cycles on persisted lists made by this
	// process. Other writers of the same store are not covered.
	mu     sync.Mutex
	flight singleflight.Group

	// Bundled files are read once and cached.
	baselineMu     sync.Mutex
	baselineLoaded bool
	baseline       baselineRules
}

type baselineRules struct {
	sites      []string
	phrases    []string
	categories map[string][]string
	engines    []string
}

// persisted is the store state a reload reads.
type persisted struct {
	blockedSites   []string
	allowedSites   []string
	blockedURLs    []string
	allowedURLs    []string
	blockedPhrases []string
	exceptions     []string

	registryPhrases    []string
	registryCategories map[string][]string
	registryURLs       []string
	registryTimestamp  int64 // unix ms
}

// NewCompiler creates a Compiler with an empty active RuleSet. Call Reload to
// populate it.
func NewCompiler(st store.Store, loader *parser.Loader, opts Options) *Compiler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = 24 * time.Hour
	}
	if opts.MinAttemptInterval <= 0 {
		opts.MinAttemptInterval = 5 * time.Second
	}
	if len(opts.SearchEngines) == 0 {
		opts.SearchEngines = DefaultSearchEngines
	}
	c := &Compiler{
		store:  st,
		loader: loader,
		opts:   opts,
	}
	c.active.Store(NewBuilder().Build(opts.Now()))
	return c
}

// Active returns the current snapshot. It is never nil.
func (c *Compiler) Active() *RuleSet {
	return c.active.Load()
}

// Reload re-reads every persisted source and swaps in a new snapshot. On a
// store failure the previous snapshot stays active.
func (c *Compiler) Reload(ctx context.Context) error {
	p, err := c.readPersisted(ctx)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	rs := c.build(p)
	c.active.Store(rs)
	log.Printf("Rules reloaded: %d blocked domains, %d blocked URLs, %d phrases, %d exceptions",
		len(rs.BlockedDomains), len(rs.BlockedURLs), len(rs.BlockedPhrases), len(rs.PhraseExceptions))
	return nil
}

func (c *Compiler) build(p *persisted) *RuleSet {
	base := c.loadBaseline()
	b := NewBuilder()

	b.BlockSites(base.sites...)
	b.BlockSites(p.registryURLs...)
	b.BlockSites(p.blockedSites...)
	b.BlockURLs(p.blockedURLs...)
	b.AllowSites(p.allowedSites...)
	b.AllowURLs(p.allowedURLs...)

	b.BlockPhrases(base.phrases...)
	for cat, list := range base.categories {
		b.Categorize(cat, list...)
	}
	b.BlockPhrases(p.registryPhrases...)
	for cat, list := range p.registryCategories {
		b.Categorize(cat, list...)
	}
	b.BlockPhrases(p.blockedPhrases...)

	b.Except(DefaultExceptions...)
	b.Except(c.opts.Exceptions...)
	b.Except(p.exceptions...)

	for domain, param := range c.opts.SearchEngines {
		b.SearchEngine(domain, param)
	}
	for _, domain := range base.engines {
		b.SearchEngine(domain, "q")
	}
	return b.Build(c.opts.Now())
}

func (c *Compiler) readPersisted(ctx context.Context) (*persisted, error) {
	keys := append(append([]string{}, userKeys...), registryKeys...)
	m, err := c.store.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}

	p := &persisted{}
	decode := func(key string, v any) {
		raw, ok := m[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, v); err != nil {
			log.Printf("Warning: ignoring malformed %s: %v", key, err)
		}
	}
	decode(KeyBlockedSites, &p.blockedSites)
	decode(KeyAllowedSites, &p.allowedSites)
	decode(KeyBlockedURLs, &p.blockedURLs)
	decode(KeyAllowedURLs, &p.allowedURLs)
	decode(KeyBlockedPhrases, &p.blockedPhrases)
	decode(KeyExceptions, &p.exceptions)
	decode(KeyRegistryPhrases, &p.registryPhrases)
	decode(KeyRegistryCategories, &p.registryCategories)
	decode(KeyRegistryURLs, &p.registryURLs)
	decode(KeyRegistryTimestamp, &p.registryTimestamp)
	return p, nil
}

func (c *Compiler) loadBaseline() baselineRules {
	c.baselineMu.Lock()
	defer c.baselineMu.Unlock()
	if c.baselineLoaded {
		return c.baseline
	}
	c.baselineLoaded = true

	if c.opts.BaselineSites != "" {
		sites, err := c.loader.LoadSites(c.opts.BaselineSites)
		if err != nil {
			log.Printf("Failed to load bundled sites '%s': %v", c.opts.BaselineSites, err)
		} else {
			c.baseline.sites = canonicalSites(sites)
			log.Printf("Loaded %d bundled sites from '%s'", len(c.baseline.sites), c.opts.BaselineSites)
		}
	}
	if c.opts.BaselinePhrases != "" {
		doc, err := c.loader.LoadPhrases(c.opts.BaselinePhrases)
		if err != nil {
			log.Printf("Failed to load bundled phrases '%s': %v", c.opts.BaselinePhrases, err)
		} else {
			c.baseline.phrases = doc.AllPhrases
			c.baseline.categories = doc.Categories
			c.baseline.engines = doc.SearchEngines
			log.Printf("Loaded %d bundled phrases from '%s'", len(doc.AllPhrases), c.opts.BaselinePhrases)
		}
	}
	return c.baseline
}

// canonicalSites reduces bundled entries to the form registry URLs are
// stored in. Invalid entries are dropped.
func canonicalSites(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if u, ok := parser.NormalizeURL(e); ok {
			out = append(out, u)
		} else {
			log.Printf("Warning: skipping invalid bundled site %q", e)
		}
	}
	return out
}

// AddUserRule adds value to the kind's user list and reloads. For site and
// URL kinds the value leaves the opposite list in the same write, so it is
// never observable in both lists or in neither.
func (c *Compiler) AddUserRule(ctx context.Context, kind Kind, value string) error {
	v, err := kind.Normalize(value)
	if err != nil {
		return err
	}
	spec := kinds[kind]

	c.mu.Lock()
	err = c.modifyLists(ctx, spec.key, spec.opposite, func(list, opposite []string) ([]string, []string) {
		return union(list, []string{v}), without(opposite, v)
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("User rule added: %s %q", kind, v)
	return c.Reload(ctx)
}

// RemoveUserRule removes value from the kind's user list and reloads.
func (c *Compiler) RemoveUserRule(ctx context.Context, kind Kind, value string) error {
	v, err := kind.Normalize(value)
	if err != nil {
		return err
	}
	spec := kinds[kind]

	c.mu.Lock()
	err = c.modifyLists(ctx, spec.key, "", func(list, _ []string) ([]string, []string) {
		return without(list, v), nil
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("User rule removed: %s %q", kind, v)
	return c.Reload(ctx)
}

// AllowSite moves the host of rawURL from the blocked to the allowed sites.
func (c *Compiler) AllowSite(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidValue, rawURL)
	}
	host, err := KindAllowedSite.Normalize(u.Hostname())
	if err != nil {
		return "", err
	}
	if err := c.AddUserRule(ctx, KindAllowedSite, host); err != nil {
		return "", err
	}
	return host, nil
}

// modifyLists re-reads key (and opposite, when set) from the store right
// before applying fn, then writes both back in a single Set. Must be called
// with mu held.
func (c *Compiler) modifyLists(ctx context.Context, key, opposite string, fn func(list, opposite []string) ([]string, []string)) error {
	keys := []string{key}
	if opposite != "" {
		keys = append(keys, opposite)
	}
	m, err := c.store.Get(ctx, keys...)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	var list, opp []string
	if raw, ok := m[key]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			log.Printf("Warning: ignoring malformed %s: %v", key, err)
		}
	}
	if raw, ok := m[opposite]; ok && opposite != "" {
		if err := json.Unmarshal(raw, &opp); err != nil {
			log.Printf("Warning: ignoring malformed %s: %v", opposite, err)
		}
	}

	list, opp = fn(list, opp)
	items := map[string]any{key: emptyIfNil(list)}
	if opposite != "" {
		items[opposite] = emptyIfNil(opp)
	}
	if err := store.SetJSON(ctx, c.store, items); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// UserLists returns every user list as stored.
func (c *Compiler) UserLists(ctx context.Context) (map[Kind][]string, error) {
	p, err := c.readPersisted(ctx)
	if err != nil {
		return nil, err
	}
	return map[Kind][]string{
		KindBlockedSite:   p.blockedSites,
		KindAllowedSite:   p.allowedSites,
		KindBlockedURL:    p.blockedURLs,
		KindAllowedURL:    p.allowedURLs,
		KindBlockedPhrase: p.blockedPhrases,
		KindException:     p.exceptions,
	}, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
