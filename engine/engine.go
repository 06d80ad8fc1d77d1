package engine

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"safelink/rules"
	"safelink/store"
)

// KeyPhraseStats is the store key holding PhraseStats.
const KeyPhraseStats = "safelink_phrase_stats"

// RuleSource hands out the current rule snapshot.
type RuleSource interface {
	Active() *rules.RuleSet
}

// IgnoreChecker reports whether the user recently chose to continue past a
// warning for a URL.
type IgnoreChecker interface {
	IsIgnored(ctx context.Context, rawURL string) bool
}

// Navigator redirects a tab. It is the navigation hook's side of a warn
// decision.
type Navigator interface {
	Redirect(ctx context.Context, tabID int, target string) error
}

// WarningPages are the redirect targets for warn decisions.
type WarningPages struct {
	Site   string
	Phrase string
}

// Options configures an Engine.
type Options struct {
	Pages     WarningPages
	Navigator Navigator
}

// Engine combines the URL matcher, the phrase matcher and the ignore cache to
// make navigation decisions. It never fails: internal errors allow the
// navigation.
type Engine struct {
	rules   RuleSource
	store   store.Store
	ignored IgnoreChecker
	pages   WarningPages
	nav     Navigator

	// idx is derived from the last snapshot seen and rebuilt when the
	// source hands out a different one.
	idx atomic.Pointer[index]

	statsMu sync.Mutex
}

// New creates an Engine. ignored may be nil.
func New(src RuleSource, st store.Store, ignored IgnoreChecker, opts Options) *Engine {
	return &Engine{
		rules:   src,
		store:   st,
		ignored: ignored,
		pages:   opts.Pages,
		nav:     opts.Navigator,
	}
}

func (e *Engine) current() *index {
	rs := e.rules.Active()
	idx := e.idx.Load()
	if idx != nil && idx.rs == rs {
		return idx
	}
	fresh := newIndex(rs)
	// A concurrent caller may have built the same index; either is fine.
	e.idx.CompareAndSwap(idx, fresh)
	return fresh
}

// CheckURL runs the URL matcher.
func (e *Engine) CheckURL(rawURL string) URLResult {
	return e.current().MatchURL(rawURL)
}

// CheckHost runs the domain rules against a bare host name.
func (e *Engine) CheckHost(host string) URLResult {
	return e.current().MatchHost(host)
}

// MatchPhrase runs the phrase matcher at the given sensitivity.
func (e *Engine) MatchPhrase(query string, sens Sensitivity) PhraseResult {
	return e.current().MatchPhrase(query, sens)
}

// CheckPhrase runs the phrase matcher at the configured sensitivity.
func (e *Engine) CheckPhrase(ctx context.Context, query string) PhraseResult {
	return e.MatchPhrase(query, e.Settings(ctx).PhraseSensitivity)
}

// CheckSearch runs the search query check at the configured sensitivity.
func (e *Engine) CheckSearch(ctx context.Context, rawURL string) SearchResult {
	return e.current().CheckSearch(rawURL, e.Settings(ctx).PhraseSensitivity)
}

// SearchEngine is a recognized search engine.
type SearchEngine struct {
	Domain string `json:"domain"`
	Param  string `json:"param"`
}

// SearchEngines lists the recognized search engines by domain.
func (e *Engine) SearchEngines() []SearchEngine {
	rs := e.rules.Active()
	out := make([]SearchEngine, 0, len(rs.SearchEngineQueryParam))
	for d, p := range rs.SearchEngineQueryParam {
		out = append(out, SearchEngine{Domain: d, Param: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Navigation actions.
const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
)

// Navigation decision reasons.
const (
	DecisionDisabled      = "disabled"
	DecisionIgnored       = "ignored"
	DecisionBlockedSite   = "blocked_site"
	DecisionBlockedPhrase = "blocked_phrase"
	DecisionClean         = "clean"
)

// Decision is the verdict for a navigation.
type Decision struct {
	Action   string        `json:"action"`
	Reason   string        `json:"reason"`
	Redirect string        `json:"redirect,omitempty"`
	Site     *URLResult    `json:"site,omitempty"`
	Search   *SearchResult `json:"search,omitempty"`
}

// CheckNavigation decides what to do with a navigation to rawURL. The ignore
// cache is consulted first, then the URL matcher, then (if the site is not
// blocked) the search query check.
func (e *Engine) CheckNavigation(ctx context.Context, rawURL string) Decision {
	s := e.Settings(ctx)
	if s.SiteBlockMode == ModeDisabled && s.PhraseBlockMode == ModeDisabled {
		return Decision{Action: ActionAllow, Reason: DecisionDisabled}
	}
	if e.ignored != nil && e.ignored.IsIgnored(ctx, rawURL) {
		log.Printf("[IGNORE] %s", rawURL)
		return Decision{Action: ActionAllow, Reason: DecisionIgnored}
	}

	idx := e.current()
	site := idx.MatchURL(rawURL)
	if site.Blocked && !site.Allowed && s.SiteBlockMode == ModeWarn {
		log.Printf("[WARN] Site %s matched %s (%s)", rawURL, site.Matched, site.Reason)
		return Decision{
			Action:   ActionWarn,
			Reason:   DecisionBlockedSite,
			Redirect: withQuery(e.pages.Site, url.Values{"url": {rawURL}}),
			Site:     &site,
		}
	}

	if s.PhraseBlockMode == ModeWarn {
		search := idx.CheckSearch(rawURL, s.PhraseSensitivity)
		if search.Blocked {
			log.Printf("[WARN] Search %q on %s matched %q (%s)", search.Query, search.SearchEngine, search.Phrase, search.MatchType)
			e.bumpStats(ctx, func(st *PhraseStats) { st.Blocked++ })
			return Decision{
				Action:   ActionWarn,
				Reason:   DecisionBlockedPhrase,
				Redirect: withQuery(e.pages.Phrase, url.Values{"phrase": {search.Phrase}, "search": {rawURL}}),
				Site:     &site,
				Search:   &search,
			}
		}
	}
	return Decision{Action: ActionAllow, Reason: DecisionClean, Site: &site}
}

// OnBeforeNavigate is the navigation hook: it decides and, on a warn
// decision, asks the Navigator to redirect tabID.
func (e *Engine) OnBeforeNavigate(ctx context.Context, rawURL string, tabID int) Decision {
	d := e.CheckNavigation(ctx, rawURL)
	if d.Action != ActionWarn || e.nav == nil {
		return d
	}
	if err := e.nav.Redirect(ctx, tabID, d.Redirect); err != nil {
		log.Printf("Failed to redirect tab %d: %v", tabID, err)
	}
	return d
}

func withQuery(page string, v url.Values) string {
	sep := "?"
	if strings.Contains(page, "?") {
		sep = "&"
	}
	return page + sep + v.Encode()
}

// PhraseStats counts phrase warnings and how many were bypassed.
type PhraseStats struct {
	Blocked int `json:"blocked"`
	Ignored int `json:"ignored"`
}

// PhraseStats returns the persisted counters; zero on any store error.
func (e *Engine) PhraseStats(ctx context.Context) PhraseStats {
	st, _, err := store.GetJSON[PhraseStats](ctx, e.store, KeyPhraseStats)
	if err != nil {
		log.Printf("Failed to read phrase stats: %v", err)
		return PhraseStats{}
	}
	return st
}

// RecordIgnored counts a warning the user chose to continue past.
func (e *Engine) RecordIgnored(ctx context.Context) {
	e.bumpStats(ctx, func(st *PhraseStats) { st.Ignored++ })
}

func (e *Engine) bumpStats(ctx context.Context, fn func(*PhraseStats)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	st := e.PhraseStats(ctx)
	fn(&st)
	if err := store.SetJSON(ctx, e.store, map[string]any{KeyPhraseStats: st}); err != nil {
		log.Printf("Failed to save phrase stats: %v", err)
	}
}
