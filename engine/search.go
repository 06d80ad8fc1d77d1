package engine

import (
	"net/url"
	"strings"
)

// Search check reasons.
const (
	ReasonNotSearchEngine = "not_search_engine"
	ReasonNoQuery         = "no_query"
	ReasonBlockedPhrase   = "blocked_phrase"
	ReasonPhraseAllowed   = "phrase_allowed"
)

// SearchResult is the outcome of checking a search engine URL.
type SearchResult struct {
	Blocked      bool   `json:"blocked"`
	Phrase       string `json:"phrase,omitempty"`
	Category     string `json:"category,omitempty"`
	MatchType    string `json:"matchType,omitempty"`
	Query        string `json:"query,omitempty"`
	SearchEngine string `json:"searchEngine,omitempty"`
	Reason       string `json:"reason"`
}

// SearchEngineFor returns the recognized search engine serving host, the
// most specific one when several match. A host is served by an engine when
// it equals the engine domain or is a subdomain of it.
func (idx *index) SearchEngineFor(host string) (engine, param string, ok bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for domain, p := range idx.rs.SearchEngineQueryParam {
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if len(domain) > len(engine) {
			engine, param, ok = domain, p, true
		}
	}
	return engine, param, ok
}

// ExtractQuery returns the search text carried by rawURL, lowercased and
// trimmed. Values that were percent-encoded twice are decoded again.
func (idx *index) ExtractQuery(rawURL string) (engine, query string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", err
	}
	engine, param, ok := idx.SearchEngineFor(u.Hostname())
	if !ok {
		return "", "", nil
	}
	v := u.Query().Get(param)
	// The second pass keeps a literal "+" that the first pass decoded.
	if dec, err := url.PathUnescape(v); err == nil {
		v = dec
	}
	return engine, strings.ToLower(strings.TrimSpace(v)), nil
}

// CheckSearch recognizes the search engine in rawURL, extracts the query
// and runs it through MatchPhrase.
func (idx *index) CheckSearch(rawURL string, sens Sensitivity) SearchResult {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return SearchResult{Reason: ReasonError}
	}
	host := strings.ToLower(u.Hostname())
	if _, _, ok := idx.SearchEngineFor(host); !ok {
		return SearchResult{Reason: ReasonNotSearchEngine}
	}
	_, query, err := idx.ExtractQuery(rawURL)
	if err != nil {
		return SearchResult{Reason: ReasonError}
	}
	if query == "" {
		return SearchResult{Reason: ReasonNoQuery, SearchEngine: host}
	}

	pr := idx.MatchPhrase(query, sens)
	if !pr.Blocked {
		return SearchResult{Reason: ReasonPhraseAllowed, Query: query, SearchEngine: host}
	}
	return SearchResult{
		Blocked:      true,
		Phrase:       pr.Phrase,
		Category:     pr.Category,
		MatchType:    pr.MatchType,
		Query:        query,
		SearchEngine: host,
		Reason:       ReasonBlockedPhrase,
	}
}
