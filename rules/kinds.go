package rules

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"safelink/parser"
)

var (
	// ErrUnknownKind is returned for a user rule kind outside the Kind set.
	ErrUnknownKind = errors.New("unknown rule kind")
	// ErrInvalidValue is returned when a user rule value does not normalize.
	ErrInvalidValue = errors.New("invalid rule value")
)

// Kind names a user-maintained list.
type Kind string

const (
	KindBlockedSite   Kind = "blocked_site"
	KindAllowedSite   Kind = "allowed_site"
	KindBlockedURL    Kind = "blocked_url"
	KindAllowedURL    Kind = "allowed_url"
	KindBlockedPhrase Kind = "blocked_phrase"
	KindException     Kind = "exception"
)

// Storage keys.
const (
	KeyBlockedSites   = "custom_blocked_sites"
	KeyAllowedSites   = "custom_allowed_sites"
	KeyBlockedURLs    = "custom_blocked_urls"
	KeyAllowedURLs    = "custom_allowed_urls"
	KeyBlockedPhrases = "custom_blocked_phrases"
	KeyExceptions     = "safelink_custom_exceptions"

	KeyRegistryPhrases    = "safelink_minjust_phrases"
	KeyRegistryCategories = "safelink_minjust_categories"
	KeyRegistryURLs       = "safelink_minjust_urls"
	KeyRegistryTimestamp  = "safelink_minjust_timestamp"
	KeyRegistryAttempt    = "safelink_minjust_attempt"
)

// userKeys lists every user list key, in Kind order.
var userKeys = []string{
	KeyBlockedSites, KeyAllowedSites, KeyBlockedURLs, KeyAllowedURLs, KeyBlockedPhrases, KeyExceptions,
}

// registryKeys lists every key derived from the registry.
var registryKeys = []string{
	KeyRegistryPhrases, KeyRegistryCategories, KeyRegistryURLs, KeyRegistryTimestamp,
}

type kindSpec struct {
	key       string
	opposite  string // list the value leaves when added here
	normalize func(string) (string, bool)
}

var kinds = map[Kind]kindSpec{
	KindBlockedSite:   {KeyBlockedSites, KeyAllowedSites, normalizeSite},
	KindAllowedSite:   {KeyAllowedSites, KeyBlockedSites, normalizeSite},
	KindBlockedURL:    {KeyBlockedURLs, KeyAllowedURLs, parser.NormalizeURL},
	KindAllowedURL:    {KeyAllowedURLs, KeyBlockedURLs, parser.NormalizeURL},
	KindBlockedPhrase: {KeyBlockedPhrases, "", normalizePhrase},
	KindException:     {KeyExceptions, "", normalizePhrase},
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Normalize returns the stored form of value for kind.
func (k Kind) Normalize(value string) (string, error) {
	spec, ok := kinds[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	v, ok := spec.normalize(value)
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrInvalidValue, k, value)
	}
	return v, nil
}

// normalizeSite accepts a bare host or a URL and returns its host.
func normalizeSite(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return "", false
		}
		v = u.Hostname()
	}
	return parser.NormalizeHost(v)
}

func normalizePhrase(v string) (string, bool) {
	p := parser.NormalizePhrase(v)
	return p, utf8.RuneCountInString(p) >= 3
}

// WatchedKeys returns every store key a reload reads.
func WatchedKeys() []string {
	return append(append([]string{}, userKeys...), registryKeys...)
}
