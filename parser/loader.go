package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CacheEntry stores metadata about a cached registry download.
type CacheEntry struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	DataFile  string    `json:"data_file"` // Relative filename for the raw payload
	Size      int       `json:"size"`
}

// Loader fetches registry exports and bundled list files.
type Loader struct {
	Client  *http.Client
	DataDir string // Directory for caching downloads
}

// NewLoader creates a Loader with a bounded HTTP client.
func NewLoader(dataDir string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Loader{
		Client: &http.Client{
			Timeout: timeout,
		},
		DataDir: dataDir,
	}
}

// Fetch downloads url. The raw payload is written to the disk cache; when the
// download fails, the last cached payload is returned instead with fromCache
// set. An error is returned only when neither is available.
func (l *Loader) Fetch(ctx context.Context, url string) (data []byte, fromCache bool, err error) {
	data, err = l.download(ctx, url)
	if err == nil {
		if cerr := l.writeCache(url, data); cerr != nil {
			log.Printf("Failed to cache registry from '%s': %v", url, cerr)
		}
		return data, false, nil
	}

	log.Printf("Failed to fetch registry from '%s': %v", url, err)
	cached, cerr := l.readCache(url)
	if cerr != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", url, err)
	}
	log.Printf("Using cached registry for '%s'", url)
	return cached, true, nil
}

func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return data, nil
}

// CachedAt reports when url was last downloaded successfully.
func (l *Loader) CachedAt(url string) (time.Time, bool) {
	meta, err := l.readMeta(url)
	if err != nil {
		return time.Time{}, false
	}
	return meta.FetchedAt, true
}

func (l *Loader) writeCache(url string, data []byte) error {
	if l.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	key := urlToCacheKey(url)
	if err := writeFileAtomic(filepath.Join(l.DataDir, key+".registry.csv"), data); err != nil {
		return err
	}
	meta := CacheEntry{
		URL:       url,
		FetchedAt: time.Now(),
		DataFile:  key + ".registry.csv",
		Size:      len(data),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(l.DataDir, key+".meta.json"), raw)
}

func (l *Loader) readMeta(url string) (*CacheEntry, error) {
	if l.DataDir == "" {
		return nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(filepath.Join(l.DataDir, urlToCacheKey(url)+".meta.json"))
	if err != nil {
		return nil, err
	}
	var meta CacheEntry
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt cache meta: %w", err)
	}
	return &meta, nil
}

func (l *Loader) readCache(url string) ([]byte, error) {
	meta, err := l.readMeta(url)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(l.DataDir, meta.DataFile))
}

// LoadFile reads a registry export from disk.
func (l *Loader) LoadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return data, nil
}

// SitesDocument is the bundled blocked-sites list.
type SitesDocument struct {
	Blocked []string `json:"blocked"`
}

// PhrasesDocument is the bundled blocked-phrases list, also produced by the
// one-shot export.
type PhrasesDocument struct {
	Version       string              `json:"version"`
	Updated       time.Time           `json:"updated"`
	TotalPhrases  int                 `json:"total_phrases"`
	Categories    map[string][]string `json:"categories"`
	AllPhrases    []string            `json:"all_phrases"`
	Settings      DocumentSettings    `json:"settings"`
	SearchEngines []string            `json:"search_engines"`
}

// DocumentSettings describes how the phrases were meant to be matched.
type DocumentSettings struct {
	CaseSensitive bool `json:"case_sensitive"`
	PartialMatch  bool `json:"partial_match"`
	MinLength     int  `json:"min_length"`
	Enabled       bool `json:"enabled"`
}

// LoadSites reads a bundled blocked-sites document.
func (l *Loader) LoadSites(path string) ([]string, error) {
	var doc SitesDocument
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	return doc.Blocked, nil
}

// LoadPhrases reads a bundled blocked-phrases document.
func (l *Loader) LoadPhrases(path string) (*PhrasesDocument, error) {
	var doc PhrasesDocument
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// NewPhrasesDocument builds the bundled document from a parse result.
func NewPhrasesDocument(res *Result, engines []string) *PhrasesDocument {
	doc := &PhrasesDocument{
		Version:      "1.0.0",
		Updated:      time.Now().UTC(),
		TotalPhrases: len(res.Phrases),
		Categories:   make(map[string][]string, len(Categories)),
		AllPhrases:   append([]string(nil), res.Phrases...),
		Settings: DocumentSettings{
			PartialMatch: true,
			MinLength:    minPhraseLen,
			Enabled:      true,
		},
		SearchEngines: append([]string(nil), engines...),
	}
	for _, c := range Categories {
		doc.Categories[c] = append([]string{}, res.Categories[c]...)
	}
	sort.Strings(doc.SearchEngines)
	return doc
}

// WritePhrasesDocument writes doc to path atomically.
func WritePhrasesDocument(path string, doc *PhrasesDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func urlToCacheKey(url string) string {
	hash := sha256.Sum256([]byte(url))
	return hex.EncodeToString(hash[:8]) // First 8 bytes (16 chars)
}
