// Package config loads revlens configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/revlens/inject"
	"github.com/hazyhaar/revlens/origin"
)

// DefaultAPIBaseURL is the backend used when neither the file nor the
// environment names one.
const DefaultAPIBaseURL = "http://localhost:8000"

// Config is the top-level configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Inject  InjectConfig  `yaml:"inject"`
	Browser BrowserConfig `yaml:"browser"`
	Journal JournalConfig `yaml:"journal"`
	Server  ServerConfig  `yaml:"server"`
}

// RelayConfig controls the backend hop.
type RelayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Timeout        time.Duration `yaml:"timeout"`
	// ServerURL points at a remote relay server. Empty relays in-process.
	ServerURL string `yaml:"server_url"`
}

// InjectConfig controls the injection controller.
type InjectConfig struct {
	Timeout       time.Duration  `yaml:"timeout"`
	BadgeInterval time.Duration  `yaml:"badge_interval"`
	BadgeSelector string         `yaml:"badge_selector"`
	Targets       []TargetConfig `yaml:"targets"`
}

// TargetConfig is one mount request.
type TargetConfig struct {
	ID               string `yaml:"id"`
	Selector         string `yaml:"selector"`
	PreserveOriginal bool   `yaml:"preserve_original"`
	Widget           string `yaml:"widget"` // panel | tabs
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	Headful          bool     `yaml:"headful"`
	NoStealth        bool     `yaml:"no_stealth"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// JournalConfig controls the relay journal.
type JournalConfig struct {
	Path      string        `yaml:"path"` // empty disables the journal
	Retention time.Duration `yaml:"retention"`
}

// ServerConfig controls the relay HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file and applies defaults. It does
// not read the environment; call ApplyEnv for that.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment:
//
//	REVLENS_API_BASE_URL      relay.base_url
//	REVLENS_ALLOWED_ORIGINS   relay.allowed_origins (comma separated)
//	REVLENS_RELAY_URL         relay.server_url
//	REVLENS_JOURNAL_DB        journal.path
//	REVLENS_ADDR              server.addr
//	REVLENS_CHROME_URL        browser.remote
func (c *Config) ApplyEnv() {
	c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	c.Relay.BaseURL = env("REVLENS_API_BASE_URL", c.Relay.BaseURL)
	c.Relay.ServerURL = env("REVLENS_RELAY_URL", c.Relay.ServerURL)
	c.Journal.Path = env("REVLENS_JOURNAL_DB", c.Journal.Path)
	c.Server.Addr = env("REVLENS_ADDR", c.Server.Addr)
	c.Browser.Remote = env("REVLENS_CHROME_URL", c.Browser.Remote)
	if v := getenv("REVLENS_ALLOWED_ORIGINS"); v != "" {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		c.Relay.AllowedOrigins = hosts
	}
}

func (c *Config) applyDefaults() {
	if c.Relay.BaseURL == "" {
		c.Relay.BaseURL = DefaultAPIBaseURL
	}
	if len(c.Relay.AllowedOrigins) == 0 {
		c.Relay.AllowedOrigins = append([]string(nil), origin.DefaultHosts...)
	}
	if c.Relay.Timeout <= 0 {
		c.Relay.Timeout = 60 * time.Second
	}
	if c.Inject.Timeout <= 0 {
		c.Inject.Timeout = inject.DefaultTimeout
	}
	if c.Inject.BadgeInterval <= 0 {
		c.Inject.BadgeInterval = inject.DefaultBadgeInterval
	}
	if c.Inject.BadgeSelector == "" {
		c.Inject.BadgeSelector = inject.DefaultBadgeSelector
	}
	if len(c.Inject.Targets) == 0 {
		for _, r := range inject.DefaultRequests() {
			c.Inject.Targets = append(c.Inject.Targets, TargetConfig{
				ID:               r.ID,
				Selector:         r.Selector,
				PreserveOriginal: r.PreserveOriginal,
				Widget:           r.Widget,
			})
		}
	}
	for i := range c.Inject.Targets {
		if c.Inject.Targets[i].Widget == "" {
			c.Inject.Targets[i].Widget = inject.WidgetPanel
		}
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = 30 * 24 * time.Hour
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// MountRequests converts the configured targets.
func (c *Config) MountRequests() []inject.MountRequest {
	out := make([]inject.MountRequest, len(c.Inject.Targets))
	for i, t := range c.Inject.Targets {
		out[i] = inject.MountRequest{
			ID:               t.ID,
			Selector:         t.Selector,
			PreserveOriginal: t.PreserveOriginal,
			Widget:           t.Widget,
		}
	}
	return out
}

// ControllerConfig builds the controller configuration. Logger is left to the
// caller.
func (c *Config) ControllerConfig() inject.Config {
	return inject.Config{
		Requests:      c.MountRequests(),
		Timeout:       c.Inject.Timeout,
		BadgeInterval: c.Inject.BadgeInterval,
		BadgeSelector: c.Inject.BadgeSelector,
	}
}
