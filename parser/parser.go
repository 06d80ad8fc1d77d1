package parser

import (
	"log"
	"net/netip"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const (
	minPhraseLen = 3
	maxPhraseLen = 200

	maxURLLen  = 2083
	maxPathLen = 2000

	// A record longer than this swallowed its successors because their
	// start line was mangled; it is skipped rather than mined.
	maxRecordLen = 64 << 10

	// Only the first few per-record problems are logged; the rest are counted.
	maxLoggedWarnings = 5
)

var (
	recordStart = regexp.MustCompile(`^(\d+);"`)
	recordTail  = regexp.MustCompile(`";[^"]*$`)
	urlPattern  = regexp.MustCompile(`(?i)(?:https?://|www\.)[^\s"'«»<>\[\]{}|\\^` + "`" + `,;]+`)
	allDigits   = regexp.MustCompile(`^\d+$`)
)

var reservedSuffixes = []string{".local", ".test", ".example", ".localhost", ".invalid"}

// Parser turns decoded registry text into phrases and URLs.
type Parser struct {
	stopWords  map[string]struct{}
	exceptions map[string]struct{}
}

// New creates a Parser. Phrases equal to one of the exceptions are never
// emitted.
func New(exceptions []string) *Parser {
	p := &Parser{
		stopWords:  make(map[string]struct{}, len(defaultStopWords)),
		exceptions: make(map[string]struct{}, len(exceptions)),
	}
	for _, w := range defaultStopWords {
		p.stopWords[w] = struct{}{}
	}
	for _, e := range exceptions {
		p.exceptions[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return p
}

// Parse splits text into records and mines each one. A bad record is
// skipped with a warning; Parse itself never fails. Callers decide what an
// empty Result means (see Result.Empty).
func (p *Parser) Parse(text string) *Result {
	records, stats := SplitRecords(text)

	phrases := make(map[string]string)
	urls := make(map[string]struct{})
	warnings := 0

	for _, rec := range records {
		content := strings.TrimSpace(rec.Content)
		var problem string
		switch {
		case content == "":
			problem = "empty content"
		case len(content) > maxRecordLen:
			problem = "runaway content"
		case !utf8.ValidString(content):
			problem = "invalid text"
		}
		if problem != "" {
			stats.SkippedRecords++
			if warnings < maxLoggedWarnings {
				log.Printf("Warning: skipping registry record %s: %s", rec.ID, problem)
			}
			warnings++
			continue
		}
		stats.ValidRecords++

		for _, ph := range p.ExtractPhrases(content) {
			if _, ok := phrases[ph]; !ok {
				phrases[ph] = Categorize(ph, content)
			}
		}
		for _, u := range ExtractURLs(content) {
			urls[u] = struct{}{}
		}
	}
	if warnings > maxLoggedWarnings {
		log.Printf("Warning: %d more registry records skipped", warnings-maxLoggedWarnings)
	}

	res := &Result{
		Phrases:    make([]string, 0, len(phrases)),
		URLs:       make([]string, 0, len(urls)),
		Categories: make(map[string][]string),
	}
	for ph, cat := range phrases {
		res.Phrases = append(res.Phrases, ph)
		res.Categories[cat] = append(res.Categories[cat], ph)
	}
	for u := range urls {
		res.URLs = append(res.URLs, u)
	}
	sort.Strings(res.Phrases)
	sort.Strings(res.URLs)
	for _, list := range res.Categories {
		sort.Strings(list)
	}

	stats.PhrasesExtracted = len(res.Phrases)
	stats.URLsExtracted = len(res.URLs)
	res.Stats = stats
	return res
}

// SplitRecords reassembles logical records from physical lines. A line
// starting with `<digits>;"` opens a record; any other line continues the
// open one. Lines before the first record (the header) are orphans.
func SplitRecords(text string) ([]Record, Stats) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")

	var (
		stats   Stats
		records []Record
		cur     *Record
		buf     strings.Builder
	)
	closeRecord := func() {
		if cur == nil {
			return
		}
		cur.Content = stripRecordTail(buf.String())
		records = append(records, *cur)
		cur = nil
		buf.Reset()
	}

	for _, line := range lines {
		stats.Lines++
		if m := recordStart.FindStringSubmatchIndex(line); m != nil {
			closeRecord()
			stats.RecordsSeen++
			cur = &Record{ID: line[m[2]:m[3]]}
			buf.WriteString(line[m[1]:])
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if cur == nil {
			stats.OrphanLines++
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(line)
	}
	closeRecord()
	return records, stats
}

func stripRecordTail(s string) string {
	s = strings.TrimSpace(s)
	if loc := recordTail.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimRight(s, `";`+" \t")
}

// QuotedCandidates returns the raw text of every «…» pair in s, nested
// pairs included. On each closing quote a candidate is emitted for every
// level still open, so `«A «B»»` yields "A «B", "B" and "A «B»".
func QuotedCandidates(s string) []string {
	var (
		open []int
		out  []string
	)
	for i, r := range s {
		switch r {
		case '«':
			open = append(open, i+utf8.RuneLen(r))
		case '»':
			if len(open) == 0 {
				continue
			}
			for _, start := range open {
				out = append(out, s[start:i])
			}
			open = open[:len(open)-1]
		}
	}
	return out
}

// ExtractPhrases returns the accepted, normalized phrases quoted in content.
func (p *Parser) ExtractPhrases(content string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range QuotedCandidates(content) {
		ph, ok := p.accept(c)
		if !ok {
			continue
		}
		if _, dup := seen[ph]; dup {
			continue
		}
		seen[ph] = struct{}{}
		out = append(out, ph)
	}
	return out
}

func (p *Parser) accept(candidate string) (string, bool) {
	ph := NormalizePhrase(candidate)
	if ph == "" {
		return "", false
	}
	if strings.Count(ph, "«") != strings.Count(ph, "»") {
		return "", false
	}
	n := utf8.RuneCountInString(ph)
	if n < minPhraseLen || n > maxPhraseLen {
		return "", false
	}
	if allDigits.MatchString(ph) || !strings.ContainsFunc(ph, unicode.IsLetter) {
		return "", false
	}
	if _, ok := p.stopWords[ph]; ok {
		return "", false
	}
	if _, ok := p.exceptions[ph]; ok {
		return "", false
	}
	for _, term := range technicalTerms {
		if strings.Contains(ph, term) {
			return "", false
		}
	}
	return ph, true
}

// NormalizePhrase trims s, strips punctuation from both ends (guillemets are
// kept so nested titles survive), collapses inner whitespace and lowercases.
// A «…» pair wrapping the whole phrase is removed once.
func NormalizePhrase(s string) string {
	s = strings.TrimFunc(s, isEdgePunct)
	if inner, ok := outerQuoted(s); ok {
		s = strings.TrimFunc(inner, isEdgePunct)
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func isEdgePunct(r rune) bool {
	return !isWordRune(r) && r != '«' && r != '»'
}

// outerQuoted returns the text inside s when s is wrapped in a single «…»
// pair whose quotes match each other.
func outerQuoted(s string) (string, bool) {
	inner, ok := strings.CutPrefix(s, "«")
	if !ok {
		return s, false
	}
	inner, ok = strings.CutSuffix(inner, "»")
	if !ok {
		return s, false
	}
	depth := 0
	for _, r := range inner {
		switch r {
		case '«':
			depth++
		case '»':
			if depth == 0 {
				return s, false
			}
			depth--
		}
	}
	if depth != 0 {
		return s, false
	}
	return inner, true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// ExtractURLs finds http(s):// and www. references in content and returns
// them as host or host+path, lowercase, without scheme or www. prefix.
func ExtractURLs(content string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range urlPattern.FindAllString(content, -1) {
		u, ok := NormalizeURL(raw)
		if !ok {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// NormalizeURL reduces a URL-ish string to host[/path]. It reports false for
// anything whose host fails ValidHost or that exceeds the length limits.
func NormalizeURL(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, ".,:;!?)'\"")

	host, rest := s, ""
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		host, rest = s[:i], s[i:]
	}
	if h, port, ok := strings.Cut(host, ":"); ok {
		if !allDigits.MatchString(port) {
			return "", false
		}
		host = h
	}
	host, ok := NormalizeHost(host)
	if !ok {
		return "", false
	}
	path, query, _ := strings.Cut(rest, "?")
	if len(path) > maxPathLen {
		return "", false
	}
	u := JoinURL(host, path, query)
	if len(u) > maxURLLen {
		return "", false
	}
	return u, true
}

// JoinURL builds the canonical full form of a URL: host, then the
// percent-decoded lowercase path without trailing slashes, then "?" and the
// percent-decoded lowercase query when there is one. Rules and navigated URLs
// are both reduced through it, from their escaped path and raw query.
func JoinURL(host, escapedPath, rawQuery string) string {
	path := escapedPath
	if dec, err := url.PathUnescape(path); err == nil {
		path = dec
	}
	full := host + strings.TrimRight(strings.ToLower(path), "/")
	if rawQuery == "" {
		return full
	}
	query := rawQuery
	if dec, err := url.PathUnescape(query); err == nil {
		query = dec
	}
	return full + "?" + strings.ToLower(query)
}

// NormalizeHost lowercases host, converts it to its ASCII (punycode) form
// and validates it with ValidHost.
func NormalizeHost(host string) (string, bool) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", false
	}
	if !ValidHost(ascii) {
		return "", false
	}
	return ascii, true
}

// ValidHost checks an ASCII host name: at least two labels of 1-63
// letters, digits or inner hyphens, an alphabetic (or punycode) TLD of 2+
// characters, and not an IP address or a reserved/local name.
func ValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	if host == "localhost" {
		return false
	}
	for _, suf := range reservedSuffixes {
		if strings.HasSuffix(host, suf) {
			return false
		}
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !validLabel(l) {
			return false
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	if strings.HasPrefix(tld, "xn--") {
		return true
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
