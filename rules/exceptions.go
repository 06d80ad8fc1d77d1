package rules

// DefaultExceptions are everyday queries that registry titles tend to
// contain. They are never blocked, whatever the phrase rules say.
var DefaultExceptions = []string{
	"россия",
	"российская федерация",
	"москва",
	"история",
	"история россии",
	"новости",
	"погода",
	"музыка",
	"фильмы",
	"книги",
	"рецепты",
	"википедия",
	"экстремизм",
	"терроризм",
	"федеральный закон",
	"уголовный кодекс",
	"конституция",
	"православие",
	"великая отечественная война",
	"вторая мировая война",
}

// DefaultSearchEngines maps search engine domains to their query parameter.
var DefaultSearchEngines = map[string]string{
	"google.com":     "q",
	"google.ru":      "q",
	"yandex.ru":      "text",
	"yandex.com":     "text",
	"bing.com":       "q",
	"mail.ru":        "q",
	"rambler.ru":     "query",
	"yahoo.com":      "p",
	"duckduckgo.com": "q",
}
