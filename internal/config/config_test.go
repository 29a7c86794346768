package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080", cfg.ProxyPort)
	}
	if cfg.ManagementPort != 8081 {
		t.Errorf("ManagementPort: got %d, want 8081", cfg.ManagementPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.CACertFile != "ca.crt" {
		t.Errorf("CACertFile: got %s", cfg.CACertFile)
	}
	if cfg.CAKeyFile != "ca.key" {
		t.Errorf("CAKeyFile: got %s", cfg.CAKeyFile)
	}
	if cfg.CertDir != "certs" {
		t.Errorf("CertDir: got %s", cfg.CertDir)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.DoHProvider != "cloudflare" {
		t.Errorf("DoHProvider: got %s", cfg.DoHProvider)
	}
}

func TestLoadEnv_ProxyPort(t *testing.T) {
	t.Setenv("PROXY_PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ProxyPort != 9090 {
		t.Errorf("ProxyPort: got %d, want 9090", cfg.ProxyPort)
	}
}

func TestLoadEnv_ManagementPort(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9091 {
		t.Errorf("ManagementPort: got %d, want 9091", cfg.ManagementPort)
	}
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_CACertFile(t *testing.T) {
	t.Setenv("CA_CERT_FILE", "/etc/ssl/my-ca.crt")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CACertFile != "/etc/ssl/my-ca.crt" {
		t.Errorf("CACertFile: got %s", cfg.CACertFile)
	}
}

func TestLoadEnv_CAKeyFile(t *testing.T) {
	t.Setenv("CA_KEY_FILE", "/etc/ssl/my-ca.key")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CAKeyFile != "/etc/ssl/my-ca.key" {
		t.Errorf("CAKeyFile: got %s", cfg.CAKeyFile)
	}
}

func TestLoadEnv_CertDir(t *testing.T) {
	t.Setenv("CERT_DIR", "/var/lib/shapeproxy/certs")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CertDir != "/var/lib/shapeproxy/certs" {
		t.Errorf("CertDir: got %s", cfg.CertDir)
	}
}

func TestLoadEnv_CertCacheFile(t *testing.T) {
	t.Setenv("CERT_CACHE_FILE", "cert-cache.db")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CertCache != "cert-cache.db" {
		t.Errorf("CertCache: got %s", cfg.CertCache)
	}
}

func TestLoadEnv_BindAddress(t *testing.T) {
	t.Setenv("BIND_ADDRESS", "0.0.0.0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestLoadEnv_MockRulesFile(t *testing.T) {
	t.Setenv("MOCK_RULES_FILE", "mocks.json")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.MockRulesFile != "mocks.json" {
		t.Errorf("MockRulesFile: got %s", cfg.MockRulesFile)
	}
}

func TestLoadEnv_ShapingKnobs(t *testing.T) {
	t.Setenv("FRAGMENT_SIZE", "128")
	t.Setenv("MIN_DELAY_MS", "10")
	t.Setenv("MAX_DELAY_MS", "50")
	t.Setenv("PADDING_SIZE", "64")
	t.Setenv("TTL", "64")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.FragmentSize != 128 {
		t.Errorf("FragmentSize: got %d, want 128", cfg.FragmentSize)
	}
	if cfg.MinDelayMs != 10 {
		t.Errorf("MinDelayMs: got %d, want 10", cfg.MinDelayMs)
	}
	if cfg.MaxDelayMs != 50 {
		t.Errorf("MaxDelayMs: got %d, want 50", cfg.MaxDelayMs)
	}
	if cfg.PaddingSize != 64 {
		t.Errorf("PaddingSize: got %d, want 64", cfg.PaddingSize)
	}
	if cfg.TTL != 64 {
		t.Errorf("TTL: got %d, want 64", cfg.TTL)
	}
}

func TestLoadEnv_RotateUA(t *testing.T) {
	t.Setenv("ROTATE_UA", "true")
	cfg := defaults()
	loadEnv(cfg)
	if !cfg.RotateUA {
		t.Error("RotateUA should be true")
	}
}

func TestLoadEnv_FrontDomain(t *testing.T) {
	t.Setenv("FRONT_DOMAIN", "cdn.example.com")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.FrontDomain != "cdn.example.com" {
		t.Errorf("FrontDomain: got %s", cfg.FrontDomain)
	}
}

func TestLoadEnv_UseDoH(t *testing.T) {
	t.Setenv("USE_DOH", "true")
	cfg := defaults()
	loadEnv(cfg)
	if !cfg.UseDoH {
		t.Error("UseDoH should be true")
	}
}

func TestLoadEnv_DoHProvider(t *testing.T) {
	t.Setenv("DOH_PROVIDER", "quad9")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.DoHProvider != "quad9" {
		t.Errorf("DoHProvider: got %s", cfg.DoHProvider)
	}
}

func TestLoadEnv_PrivacyMode(t *testing.T) {
	t.Setenv("PRIVACY_MODE", "true")
	cfg := defaults()
	loadEnv(cfg)
	if !cfg.PrivacyMode {
		t.Error("PrivacyMode should be true")
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("PROXY_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080 (invalid env should be ignored)", cfg.ProxyPort)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"proxyPort": 9999,
		"logLevel":  "warn",
		"useDoh":    true,
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.ProxyPort != 9999 {
		t.Errorf("ProxyPort: got %d, want 9999", cfg.ProxyPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if !cfg.UseDoH {
		t.Error("UseDoH should be true after file load")
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort changed unexpectedly: %d", cfg.ProxyPort)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort changed on bad JSON: %d", cfg.ProxyPort)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ProxyPort <= 0 {
		t.Errorf("ProxyPort should be positive, got %d", cfg.ProxyPort)
	}
}

func TestShapingProfile(t *testing.T) {
	cfg := defaults()
	cfg.FragmentSize = 100
	cfg.MinDelayMs = 5
	cfg.MaxDelayMs = 20
	cfg.PaddingSize = 16
	cfg.TTL = 55

	s := cfg.ShapingProfile()
	if s.FragmentSize != 100 || s.MinDelayMs != 5 || s.MaxDelayMs != 20 || s.PaddingSize != 16 || s.TTL != 55 {
		t.Errorf("ShapingProfile did not carry config values: %+v", s)
	}
}

func TestRewriteProfile(t *testing.T) {
	cfg := defaults()
	cfg.CustomHeaders = map[string]string{"X-Test": "1"}
	cfg.RotateUA = true
	cfg.FrontDomain = "front.example.com"

	r := cfg.RewriteProfile()
	if r.CustomHeaders["X-Test"] != "1" || !r.RotateUA || r.FrontDomain != "front.example.com" {
		t.Errorf("RewriteProfile did not carry config values: %+v", r)
	}
}
