// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → proxy-config.json → environment variables
// (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration (spec.md §6's surface, plus the
// ambient knobs every server in this codebase carries: bind address,
// management port/token, log level, CA/cert paths).
type Config struct {
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	BindAddress    string `json:"bindAddress"`
	LogLevel       string `json:"logLevel"`

	CACertFile string `json:"caCertFile"`
	CAKeyFile  string `json:"caKeyFile"`
	CertDir    string `json:"certDir"`      // leaf cert/key storage directory
	CertCache  string `json:"certCacheFile"` // bbolt path for the leaf-cert path cache; empty = in-memory only

	ManagementToken string `json:"managementToken"`

	MockRulesFile string `json:"mockRulesFile"` // empty = empty ruleset

	// Shaping profile (spec.md §3, §4.E).
	FragmentSize uint32 `json:"fragmentSize"`
	MinDelayMs   uint32 `json:"minDelay"`
	MaxDelayMs   uint32 `json:"maxDelay"`
	PaddingSize  uint32 `json:"paddingSize"`
	TTL          uint8  `json:"ttl"`

	// Request rewrite profile (spec.md §3, §4.D).
	CustomHeaders map[string]string `json:"customHeaders"`
	RotateUA      bool              `json:"rotateUa"`
	FrontDomain   string            `json:"frontDomain"` // empty = disabled

	// Name resolution (spec.md §4.B).
	UseDoH      bool   `json:"useDoh"`
	DoHProvider string `json:"dohProvider"` // cloudflare|google|quad9

	PrivacyMode bool `json:"privacyMode"`
}

// Load returns config with defaults overridden by proxy-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		BindAddress:    "127.0.0.1",
		LogLevel:       "info",
		CACertFile:     "ca.crt",
		CAKeyFile:      "ca.key",
		CertDir:        "certs",
		DoHProvider:    "cloudflare",
	}
}

// ShapingProfile returns the traffic-shaping knobs (component E).
func (c *Config) ShapingProfile() Shaping {
	return Shaping{
		FragmentSize: c.FragmentSize,
		MinDelayMs:   c.MinDelayMs,
		MaxDelayMs:   c.MaxDelayMs,
		PaddingSize:  c.PaddingSize,
		TTL:          c.TTL,
	}
}

// RewriteProfile returns the header-rewrite knobs (component D).
func (c *Config) RewriteProfile() Rewrite {
	return Rewrite{
		CustomHeaders: c.CustomHeaders,
		RotateUA:      c.RotateUA,
		FrontDomain:   c.FrontDomain,
	}
}

// Shaping mirrors spec.md §3's Shaping Profile. All zero-valued knobs are
// disabled. Its fields match shaping.Profile one for one, so callers convert
// it with shaping.Profile(cfg.ShapingProfile()); internal/shaping does not
// import this package.
type Shaping struct {
	FragmentSize uint32
	MinDelayMs   uint32
	MaxDelayMs   uint32
	PaddingSize  uint32
	TTL          uint8
}

// Rewrite mirrors spec.md §3's Request Rewrite Profile. Its fields match
// rewrite.Profile one for one, so callers convert it the same way.
type Rewrite struct {
	CustomHeaders map[string]string
	RotateUA      bool
	FrontDomain   string // empty = disabled
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CA_CERT_FILE"); v != "" {
		cfg.CACertFile = v
	}
	if v := os.Getenv("CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("CERT_DIR"); v != "" {
		cfg.CertDir = v
	}
	if v := os.Getenv("CERT_CACHE_FILE"); v != "" {
		cfg.CertCache = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MOCK_RULES_FILE"); v != "" {
		cfg.MockRulesFile = v
	}
	if v := os.Getenv("FRAGMENT_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.FragmentSize = uint32(n)
		}
	}
	if v := os.Getenv("MIN_DELAY_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MinDelayMs = uint32(n)
		}
	}
	if v := os.Getenv("MAX_DELAY_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MaxDelayMs = uint32(n)
		}
	}
	if v := os.Getenv("PADDING_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.PaddingSize = uint32(n)
		}
	}
	if v := os.Getenv("TTL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.TTL = uint8(n)
		}
	}
	if v := os.Getenv("ROTATE_UA"); v == "true" {
		cfg.RotateUA = true
	}
	if v := os.Getenv("FRONT_DOMAIN"); v != "" {
		cfg.FrontDomain = v
	}
	if v := os.Getenv("USE_DOH"); v == "true" {
		cfg.UseDoH = true
	}
	if v := os.Getenv("DOH_PROVIDER"); v != "" {
		cfg.DoHProvider = v
	}
	if v := os.Getenv("PRIVACY_MODE"); v == "true" {
		cfg.PrivacyMode = true
	}
}
