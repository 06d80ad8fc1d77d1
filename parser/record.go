package parser

// Record is one logical registry entry. Content may have been assembled
// from several physical lines.
type Record struct {
	ID      string
	Content string
}

// Stats counts what a parse run saw and produced.
type Stats struct {
	Lines            int `json:"lines"`
	RecordsSeen      int `json:"records_seen"`
	ValidRecords     int `json:"valid_records"`
	SkippedRecords   int `json:"skipped_records"`
	OrphanLines      int `json:"orphan_lines"`
	PhrasesExtracted int `json:"phrases_extracted"`
	URLsExtracted    int `json:"urls_extracted"`
}

// Result is the output of a registry parse: unique phrases, unique URLs
// (host or host+path, lowercase, no scheme or www. prefix) and the category
// each phrase was filed under.
type Result struct {
	Phrases    []string            `json:"phrases"`
	URLs       []string            `json:"urls"`
	Categories map[string][]string `json:"categories"`
	Stats      Stats               `json:"stats"`
}

// Empty reports whether the parse produced no usable record.
func (r *Result) Empty() bool {
	return r == nil || r.Stats.ValidRecords == 0
}
