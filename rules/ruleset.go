package rules

import (
	"sort"
	"strings"
	"time"

	"safelink/parser"
)

// RuleSet is an immutable snapshot of every rule the matchers consult.
// Allow sets take precedence over block sets; all strings are case-folded.
// A RuleSet is never modified after Build returns it.
type RuleSet struct {
	BlockedDomains         Set
	BlockedURLs            Set
	AllowedDomains         Set
	AllowedURLs            Set
	BlockedPhrases         Set
	PhraseCategories       map[string]Set
	PhraseExceptions       Set
	SearchEngineQueryParam map[string]string
	BuiltAt                time.Time

	phrases     []string // sorted BlockedPhrases
	urlPrefixes []string // blocked entries containing a path separator
	categories  []string // lookup order for PhraseCategories
}

// Phrases returns the blocked phrases in ascending order. The slice is shared
// and must not be modified.
func (rs *RuleSet) Phrases() []string { return rs.phrases }

// URLPrefixes returns block entries that carry a path. The slice is shared
// and must not be modified.
func (rs *RuleSet) URLPrefixes() []string { return rs.urlPrefixes }

// CategoryOf returns the first category whose list holds phrase, or general.
func (rs *RuleSet) CategoryOf(phrase string) string {
	for _, c := range rs.categories {
		if rs.PhraseCategories[c].Has(phrase) {
			return c
		}
	}
	return parser.CategoryGeneral
}

// Builder accumulates rules for a new RuleSet.
type Builder struct {
	rs *RuleSet
}

// NewBuilder starts an empty RuleSet.
func NewBuilder() *Builder {
	return &Builder{rs: &RuleSet{
		BlockedDomains:         make(Set),
		BlockedURLs:            make(Set),
		AllowedDomains:         make(Set),
		AllowedURLs:            make(Set),
		BlockedPhrases:         make(Set),
		PhraseCategories:       make(map[string]Set),
		PhraseExceptions:       make(Set),
		SearchEngineQueryParam: make(map[string]string),
	}}
}

// BlockSites adds block entries. Entries with a path go to BlockedURLs.
func (b *Builder) BlockSites(entries ...string) *Builder {
	for _, e := range entries {
		if strings.Contains(e, "/") {
			b.rs.BlockedURLs.Add(e)
		} else {
			b.rs.BlockedDomains.Add(e)
		}
	}
	return b
}

// BlockURLs adds full-URL block entries.
func (b *Builder) BlockURLs(urls ...string) *Builder {
	for _, u := range urls {
		b.rs.BlockedURLs.Add(u)
	}
	return b
}

// AllowSites adds allow-listed hosts.
func (b *Builder) AllowSites(hosts ...string) *Builder {
	for _, h := range hosts {
		b.rs.AllowedDomains.Add(h)
	}
	return b
}

// AllowURLs adds allow-listed full URLs.
func (b *Builder) AllowURLs(urls ...string) *Builder {
	for _, u := range urls {
		b.rs.AllowedURLs.Add(u)
	}
	return b
}

// BlockPhrases adds phrases without a category.
func (b *Builder) BlockPhrases(phrases ...string) *Builder {
	for _, p := range phrases {
		b.rs.BlockedPhrases.Add(p)
	}
	return b
}

// Categorize adds phrases to category (and to the blocked set).
func (b *Builder) Categorize(category string, phrases ...string) *Builder {
	set, ok := b.rs.PhraseCategories[category]
	if !ok {
		set = make(Set)
		b.rs.PhraseCategories[category] = set
	}
	for _, p := range phrases {
		set.Add(p)
		b.rs.BlockedPhrases.Add(p)
	}
	return b
}

// Except adds exception phrases.
func (b *Builder) Except(phrases ...string) *Builder {
	for _, p := range phrases {
		b.rs.PhraseExceptions.Add(p)
	}
	return b
}

// SearchEngine registers domain with the query parameter carrying the search
// text. An existing mapping is kept.
func (b *Builder) SearchEngine(domain, param string) *Builder {
	domain = fold(domain)
	if domain == "" || param == "" {
		return b
	}
	if _, ok := b.rs.SearchEngineQueryParam[domain]; !ok {
		b.rs.SearchEngineQueryParam[domain] = param
	}
	return b
}

// Build freezes the accumulated rules. The Builder must not be used again.
func (b *Builder) Build(now time.Time) *RuleSet {
	rs := b.rs
	b.rs = nil
	rs.BuiltAt = now
	rs.phrases = rs.BlockedPhrases.Sorted()

	for u := range rs.BlockedURLs {
		if strings.Contains(u, "/") {
			rs.urlPrefixes = append(rs.urlPrefixes, u)
		}
	}
	for d := range rs.BlockedDomains {
		if strings.Contains(d, "/") {
			rs.urlPrefixes = append(rs.urlPrefixes, d)
		}
	}
	sort.Strings(rs.urlPrefixes)

	known := make(map[string]bool, len(parser.Categories))
	for _, c := range parser.Categories {
		known[c] = true
		if _, ok := rs.PhraseCategories[c]; ok {
			rs.categories = append(rs.categories, c)
		}
	}
	var extra []string
	for c := range rs.PhraseCategories {
		if !known[c] {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	rs.categories = append(rs.categories, extra...)
	return rs
}
