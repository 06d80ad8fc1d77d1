package config

import (
	"time"
)

// Config represents the top-level configuration structure.
type Config struct {
	Server        ServerConfig      `yaml:"server"`
	DNS           DNSConfig         `yaml:"dns"`
	Registry      RegistryConfig    `yaml:"registry"`
	Baseline      BaselineConfig    `yaml:"baseline"`
	Ignore        IgnoreConfig      `yaml:"ignore"`
	SearchEngines map[string]string `yaml:"search_engines,omitempty"` // domain -> query parameter
	Exceptions    []string          `yaml:"exceptions,omitempty"`     // extra curated phrase exceptions
	WarningPages  WarningPages      `yaml:"warning_pages"`
	DataDir       string            `yaml:"data_dir"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // e.g., "127.0.0.1:8753"
}

// DNSConfig configures the optional DNS sinkhole.
type DNSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // e.g., ":53"
	Upstream   string `yaml:"upstream"`    // e.g., "8.8.8.8:53"
}

// RegistryConfig describes where registry content comes from and how often
// it is refreshed.
type RegistryConfig struct {
	URL                string        `yaml:"url"`
	LocalPath          string        `yaml:"local_path,omitempty"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	FreshFor           time.Duration `yaml:"fresh_for"`
	MinAttemptInterval time.Duration `yaml:"min_attempt_interval"`
	AutoUpdate         bool          `yaml:"auto_update"`
	CheckInterval      time.Duration `yaml:"check_interval"`
}

// BaselineConfig points at bundled lists merged into every rule set.
type BaselineConfig struct {
	Sites   string `yaml:"sites,omitempty"`   // blocked-sites.json
	Phrases string `yaml:"phrases,omitempty"` // blocked-phrases.json
}

// IgnoreConfig tunes the ignore cache.
type IgnoreConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WarningPages are the redirect targets for warn decisions.
type WarningPages struct {
	Site   string `yaml:"site"`
	Phrase string `yaml:"phrase"`
}

// Defaults.
const (
	DefaultListenAddr         = "127.0.0.1:8753"
	DefaultDNSListenAddr      = ":53"
	DefaultUpstream           = "8.8.8.8:53"
	DefaultRegistryURL        = "https://minjust.gov.ru/uploaded/files/exportfsm.csv"
	DefaultFetchTimeout       = 60 * time.Second
	DefaultFreshFor           = 24 * time.Hour
	DefaultMinAttemptInterval = 5 * time.Second
	DefaultCheckInterval      = time.Hour
	DefaultIgnoreTTL          = 60 * time.Second
	DefaultSweepInterval      = 30 * time.Second
	DefaultSiteWarningPage    = "/warning.html"
	DefaultPhraseWarningPage  = "/phrase-warning.html"
	DefaultDataDir            = "data"
)

// ApplyDefaults fills every unset field. AutoUpdate and DNS.Enabled are left
// as read.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.DNS.ListenAddr == "" {
		c.DNS.ListenAddr = DefaultDNSListenAddr
	}
	if c.DNS.Upstream == "" {
		c.DNS.Upstream = DefaultUpstream
	}
	if c.Registry.URL == "" {
		c.Registry.URL = DefaultRegistryURL
	}
	if c.Registry.FetchTimeout <= 0 {
		c.Registry.FetchTimeout = DefaultFetchTimeout
	}
	if c.Registry.FreshFor <= 0 {
		c.Registry.FreshFor = DefaultFreshFor
	}
	if c.Registry.MinAttemptInterval <= 0 {
		c.Registry.MinAttemptInterval = DefaultMinAttemptInterval
	}
	if c.Registry.CheckInterval <= 0 {
		c.Registry.CheckInterval = DefaultCheckInterval
	}
	if c.Ignore.TTL <= 0 {
		c.Ignore.TTL = DefaultIgnoreTTL
	}
	if c.Ignore.SweepInterval <= 0 {
		c.Ignore.SweepInterval = DefaultSweepInterval
	}
	if c.WarningPages.Site == "" {
		c.WarningPages.Site = DefaultSiteWarningPage
	}
	if c.WarningPages.Phrase == "" {
		c.WarningPages.Phrase = DefaultPhraseWarningPage
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}
