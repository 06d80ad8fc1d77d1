package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownFormat is returned for a list format other than json, yaml or toml.
	ErrUnknownFormat = errors.New("unknown list format")
	// ErrMalformedLists is returned when an imported document does not decode.
	ErrMalformedLists = errors.New("malformed lists document")
)

// Format is a list serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ListsDocument is the import/export form of the user site lists.
type ListsDocument struct {
	Blocked    []string  `json:"blocked" yaml:"blocked" toml:"blocked"`
	Allowed    []string  `json:"allowed" yaml:"allowed" toml:"allowed"`
	ExportDate time.Time `json:"exportDate" yaml:"export_date" toml:"export_date"`
	Version    string    `json:"version" yaml:"version" toml:"version"`
}

// ImportResult counts what an import changed.
type ImportResult struct {
	BlockedAdded int `json:"blockedAdded"`
	AllowedAdded int `json:"allowedAdded"`
	Invalid      int `json:"invalid"`
}

// ExportLists serializes the user blocked and allowed site lists.
func (c *Compiler) ExportLists(ctx context.Context, format Format) ([]byte, error) {
	p, err := c.readPersisted(ctx)
	if err != nil {
		return nil, fmt.Errorf("export lists: %w", err)
	}
	doc := ListsDocument{
		Blocked:    emptyIfNil(p.blockedSites),
		Allowed:    emptyIfNil(p.allowedSites),
		ExportDate: c.opts.Now().UTC().Truncate(time.Second),
		Version:    "1.0.0",
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
}

// ImportLists unions a ListsDocument into the user site lists. Values that
// fail host validation are counted and skipped. A value present in both
// imported lists ends up allowed. Both lists are written in one store Set.
func (c *Compiler) ImportLists(ctx context.Context, format Format, data []byte) (*ImportResult, error) {
	var doc ListsDocument
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLists, format, err)
	}

	res := &ImportResult{}
	normalizeAll := func(values []string) []string {
		var out []string
		for _, v := range values {
			if h, ok := normalizeSite(v); ok {
				out = append(out, h)
			} else {
				res.Invalid++
			}
		}
		return out
	}
	blocked := normalizeAll(doc.Blocked)
	allowed := normalizeAll(doc.Allowed)

	c.mu.Lock()
	err = c.modifyLists(ctx, KeyBlockedSites, KeyAllowedSites, func(bl, al []string) ([]string, []string) {
		before := NewSet(bl...)
		allowedBefore := NewSet(al...)
		for _, v := range blocked {
			bl = union(bl, []string{v})
			al = without(al, v)
		}
		for _, v := range allowed {
			al = union(al, []string{v})
			bl = without(bl, v)
		}
		for _, v := range bl {
			if !before.Has(v) {
				res.BlockedAdded++
			}
		}
		for _, v := range al {
			if !allowedBefore.Has(v) {
				res.AllowedAdded++
			}
		}
		return bl, al
	})
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Printf("Imported lists: %d blocked, %d allowed added, %d invalid skipped",
		res.BlockedAdded, res.AllowedAdded, res.Invalid)
	return res, c.Reload(ctx)
}
