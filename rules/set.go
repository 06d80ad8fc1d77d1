package rules

import (
	"sort"
	"strings"
)

// Set is a set of case-folded strings.
type Set map[string]struct{}

// NewSet builds a set from values, case-folding each one.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v after trimming and lowercasing it. Empty values are ignored.
func (s Set) Add(v string) {
	v = fold(v)
	if v != "" {
		s[v] = struct{}{}
	}
}

// Has reports whether v (case-folded) is present.
func (s Set) Has(v string) bool {
	_, ok := s[fold(v)]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func fold(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// union returns the sorted, de-duplicated, case-folded union of lists.
func union(lists ...[]string) []string {
	s := make(Set)
	for _, l := range lists {
		for _, v := range l {
			s.Add(v)
		}
	}
	return s.Sorted()
}

// without returns list minus v (case-folded comparison).
func without(list []string, v string) []string {
	v = fold(v)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if fold(x) != v {
			out = append(out, x)
		}
	}
	return out
}
