package rules

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Sort orders for ListPhrases.
const (
	SortAlphabetical     = "alphabetical"
	SortAlphabeticalDesc = "alphabetical_desc"
	SortLength           = "length"
	SortLengthDesc       = "length_desc"
	SortCategory         = "category"
)

// ListQuery selects a page of blocked phrases.
type ListQuery struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Search string `json:"search"`
	SortBy string `json:"sortBy"`
}

// PhraseItem is one listed phrase. Type is the phrase's category.
type PhraseItem struct {
	Text   string `json:"text"`
	Length int    `json:"length"`
	Type   string `json:"type"`
}

// Pagination describes where a page sits in the filtered list.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasPrev    bool `json:"hasPrev"`
	HasNext    bool `json:"hasNext"`
}

// ListPhrases filters rs's blocked phrases by a case-insensitive substring,
// sorts them and returns the requested page. Unknown sort keys fall back to
// alphabetical. Pages past the end are empty.
func ListPhrases(rs *RuleSet, q ListQuery) ([]PhraseItem, Pagination) {
	if q.Limit <= 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	if q.Page < 1 {
		q.Page = 1
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	items := make([]PhraseItem, 0, len(rs.phrases))
	for _, p := range rs.phrases {
		if search != "" && !strings.Contains(p, search) {
			continue
		}
		items = append(items, PhraseItem{
			Text:   p,
			Length: utf8.RuneCountInString(p),
			Type:   rs.CategoryOf(p),
		})
	}

	// rs.phrases is already ascending, so stable sorts keep text order as the
	// tie-breaker.
	switch q.SortBy {
	case SortAlphabeticalDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Text > items[j].Text })
	case SortLength:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Length < items[j].Length })
	case SortLengthDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Length > items[j].Length })
	case SortCategory:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Type < items[j].Type })
	}

	total := len(items)
	pg := Pagination{
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}
	pg.HasPrev = pg.Page > 1
	pg.HasNext = pg.Page < pg.TotalPages

	start := (q.Page - 1) * q.Limit
	if start >= total {
		return []PhraseItem{}, pg
	}
	end := min(start+q.Limit, total)
	return items[start:end], pg
}
