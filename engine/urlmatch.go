package engine

import (
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"safelink/parser"
	"safelink/rules"
)

// URL match reasons.
const (
	ReasonAllowedURL       = "allowed_url"
	ReasonAllowedDomain    = "allowed_domain"
	ReasonExactURLMatch    = "exact_url_match"
	ReasonExactDomainMatch = "exact_domain_match"
	ReasonURLPrefixMatch   = "url_prefix_match"
	ReasonSubdomain        = "subdomain"
	ReasonNotInList        = "not_in_list"
	ReasonError            = "error"
)

// URLResult is the outcome of matching a navigation target.
type URLResult struct {
	Blocked bool   `json:"blocked"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Matched string `json:"matched,omitempty"`
	Domain  string `json:"domain,omitempty"`
}

// Candidate is a URL reduced to the forms the site rules are keyed by.
type Candidate struct {
	Host string // lowercase ASCII host as navigated
	Full string // host without www. plus path and query, see parser.JoinURL
}

// ParseCandidate reduces raw to its host and full forms. It fails for
// anything without a scheme and host.
func ParseCandidate(raw string) (Candidate, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return Candidate{}, false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	full := parser.JoinURL(strings.TrimPrefix(host, "www."), u.EscapedPath(), u.RawQuery)
	return Candidate{Host: host, Full: full}, true
}

// MatchURL evaluates raw against the site rules in idx. The first matching
// step wins: allowed URL, allowed host, blocked URL, blocked host, blocked
// URL prefix, blocked parent domain. It never fails; unparseable input
// yields reason error.
func (idx *index) MatchURL(raw string) URLResult {
	c, ok := ParseCandidate(raw)
	if !ok {
		return URLResult{Reason: ReasonError}
	}
	return idx.matchCandidate(c)
}

func (idx *index) matchCandidate(c Candidate) URLResult {
	rs := idx.rs
	switch {
	case rs.AllowedURLs.Has(c.Full):
		return URLResult{Allowed: true, Reason: ReasonAllowedURL, Matched: c.Full, Domain: c.Host}
	case rs.AllowedDomains.Has(c.Host):
		return URLResult{Allowed: true, Reason: ReasonAllowedDomain, Matched: c.Host, Domain: c.Host}
	case rs.BlockedURLs.Has(c.Full):
		return URLResult{Blocked: true, Reason: ReasonExactURLMatch, Matched: c.Full, Domain: c.Host}
	case rs.BlockedDomains.Has(c.Host):
		return URLResult{Blocked: true, Reason: ReasonExactDomainMatch, Matched: c.Host, Domain: c.Host}
	}
	for _, prefix := range rs.URLPrefixes() {
		if strings.HasPrefix(c.Full, prefix) {
			return URLResult{Blocked: true, Reason: ReasonURLPrefixMatch, Matched: prefix, Domain: c.Host}
		}
	}
	if parent, ok := idx.domains.Parent(c.Host); ok {
		return URLResult{Blocked: true, Reason: ReasonSubdomain, Matched: parent, Domain: parent}
	}
	return URLResult{Reason: ReasonNotInList}
}

// MatchHost evaluates a bare host name (a DNS question) against the domain
// rules only: allowed host, blocked host, blocked parent.
func (idx *index) MatchHost(host string) URLResult {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return URLResult{Reason: ReasonError}
	}
	rs := idx.rs
	switch {
	case rs.AllowedDomains.Has(host):
		return URLResult{Allowed: true, Reason: ReasonAllowedDomain, Matched: host, Domain: host}
	case rs.BlockedDomains.Has(host):
		return URLResult{Blocked: true, Reason: ReasonExactDomainMatch, Matched: host, Domain: host}
	}
	if parent, ok := idx.domains.Parent(host); ok {
		return URLResult{Blocked: true, Reason: ReasonSubdomain, Matched: parent, Domain: parent}
	}
	return URLResult{Reason: ReasonNotInList}
}

// index is a RuleSet plus the lookup structures derived from it. It is built
// once per snapshot and shared read-only.
type index struct {
	rs      *rules.RuleSet
	domains *DomainTrie
	// partials are the blocked phrases eligible for substring matching:
	// at least minPartialLen runes and not exceptions, in ascending order.
	partials []string
}

func newIndex(rs *rules.RuleSet) *index {
	idx := &index{rs: rs, domains: NewDomainTrie()}
	for d := range rs.BlockedDomains {
		idx.domains.Insert(d)
	}
	for _, p := range rs.Phrases() {
		if runeLen(p) >= minPartialLen && !rs.PhraseExceptions.Has(p) {
			idx.partials = append(idx.partials, p)
		}
	}
	return idx
}
