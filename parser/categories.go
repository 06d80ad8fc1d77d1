package parser

import "strings"

// Phrase categories.
const (
	CategoryBooks         = "books"
	CategoryWebsites      = "websites"
	CategoryMagazines     = "magazines"
	CategoryVideos        = "videos"
	CategoryOrganizations = "organizations"
	CategoryGeneral       = "general"
)

// Categories lists every category in display order.
var Categories = []string{
	CategoryBooks,
	CategoryWebsites,
	CategoryMagazines,
	CategoryVideos,
	CategoryOrganizations,
	CategoryGeneral,
}

var categoryHints = []struct {
	category string
	words    []string
}{
	{CategoryBooks, []string{"книга", "автор", "издательство"}},
	{CategoryWebsites, []string{"сайт", "http", "www"}},
	{CategoryMagazines, []string{"журнал", "газета", "издание"}},
	{CategoryVideos, []string{"видео", "фильм", "dvd"}},
	{CategoryOrganizations, []string{"организация", "движение", "партия"}},
}

// Categorize files a phrase by keywords found in the record it came from.
// A phrase that looks like a host name is a website regardless of context.
func Categorize(phrase, context string) string {
	ctx := strings.ToLower(context)
	for _, h := range categoryHints {
		for _, w := range h.words {
			if strings.Contains(ctx, w) {
				return h.category
			}
		}
		if h.category == CategoryWebsites && strings.Contains(phrase, ".") {
			return CategoryWebsites
		}
	}
	return CategoryGeneral
}
