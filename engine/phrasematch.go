package engine

import (
	"strings"
	"unicode/utf8"
)

// Sensitivity controls how permissive phrase matching is.
type Sensitivity string

const (
	// Strict matches whole queries only.
	Strict Sensitivity = "strict"
	// Medium also blocks queries that contain a blocked phrase.
	Medium Sensitivity = "medium"
	// Loose also blocks queries contained in a blocked phrase.
	Loose Sensitivity = "loose"
)

// Valid reports whether s is a known sensitivity.
func (s Sensitivity) Valid() bool {
	return s == Strict || s == Medium || s == Loose
}

// Phrase match types and reasons.
const (
	MatchExact     = "exact"
	MatchPartial   = "partial"
	MatchContained = "contained"

	ReasonTooShort  = "too_short"
	ReasonException = "exception"
	ReasonNotFound  = "not_found"
)

const (
	minQueryLen   = 3
	minPartialLen = 4
)

// PhraseResult is the outcome of matching a search query.
type PhraseResult struct {
	Blocked   bool   `json:"blocked"`
	Phrase    string `json:"phrase,omitempty"`
	Category  string `json:"category,omitempty"`
	MatchType string `json:"matchType,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// MatchPhrase evaluates query against the phrase rules in idx.
//
// Exceptions short-circuit everything. An exact hit blocks at every
// sensitivity. Medium and loose add a pass for blocked phrases the query
// contains; loose then adds a pass for blocked phrases containing the query.
// Substring passes only consider phrases of four or more characters that are
// not exceptions, in ascending order, so the reported phrase is stable.
func (idx *index) MatchPhrase(query string, sens Sensitivity) PhraseResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if utf8.RuneCountInString(q) < minQueryLen {
		return PhraseResult{Reason: ReasonTooShort}
	}
	rs := idx.rs
	if rs.PhraseExceptions.Has(q) {
		return PhraseResult{Reason: ReasonException}
	}
	if rs.BlockedPhrases.Has(q) {
		return idx.blocked(q, MatchExact)
	}
	if sens == Strict {
		return PhraseResult{Reason: ReasonNotFound}
	}

	for _, p := range idx.partials {
		if strings.Contains(q, p) {
			return idx.blocked(p, MatchPartial)
		}
	}
	if sens == Loose {
		for _, p := range idx.partials {
			if strings.Contains(p, q) {
				return idx.blocked(p, MatchContained)
			}
		}
	}
	return PhraseResult{Reason: ReasonNotFound}
}

func (idx *index) blocked(phrase, matchType string) PhraseResult {
	return PhraseResult{
		Blocked:   true,
		Phrase:    phrase,
		Category:  idx.rs.CategoryOf(phrase),
		MatchType: matchType,
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
