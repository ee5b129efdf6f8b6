package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"STALKER_BRIDGE_ADDR", "STALKER_BRIDGE_HOST", "STALKER_BRIDGE_PORT", "HOST", "PORT",
	"STALKER_BRIDGE_SSL_KEY", "STALKER_BRIDGE_SSL_CERT", "STALKER_BRIDGE_SSL_CA",
	"SSL_KEY", "SSL_CERT", "SSL_CA",
	"STALKER_BRIDGE_SETTINGS", "STALKER_BRIDGE_PORTAL_TIMEOUT", "STALKER_BRIDGE_SESSION_TTL",
	"STALKER_BRIDGE_REFRESH", "STALKER_BRIDGE_RATE", "STALKER_BRIDGE_RATE_BURST",
	"STALKER_BRIDGE_HOST_CONCURRENCY", "STALKER_BRIDGE_REDIS_URL", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every key ApplyEnv reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestApplyEnv_defaults(t *testing.T) {
	clearEnv(t)
	c := fromEnv()
	if c.Addr != ":7100" {
		t.Errorf("Addr = %q", c.Addr)
	}
	if c.PortalTimeout != 60*time.Second || c.SessionTTL != 20*time.Minute || c.RefreshInterval != 30*time.Minute {
		t.Errorf("durations = %v %v %v", c.PortalTimeout, c.SessionTTL, c.RefreshInterval)
	}
	if c.RatePerSecond != 5 || c.RateBurst != 10 || c.HostConcurrency != 4 {
		t.Errorf("rate = %v burst = %d conc = %d", c.RatePerSecond, c.RateBurst, c.HostConcurrency)
	}
	if c.TLSEnabled() {
		t.Error("TLS should be off by default")
	}
}

func TestApplyEnv_env(t *testing.T) {
	clearEnv(t)
	t.Setenv("STALKER_BRIDGE_ADDR", "127.0.0.1:9000")
	t.Setenv("STALKER_BRIDGE_SETTINGS", "/data/settings.db")
	t.Setenv("STALKER_BRIDGE_PORTAL_TIMEOUT", "15s")
	t.Setenv("STALKER_BRIDGE_REFRESH", "0")
	t.Setenv("STALKER_BRIDGE_RATE", "2.5")
	t.Setenv("STALKER_BRIDGE_HOST_CONCURRENCY", "bogus")
	t.Setenv("STALKER_BRIDGE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("STALKER_BRIDGE_SSL_KEY", "k.pem")
	t.Setenv("STALKER_BRIDGE_SSL_CERT", "c.pem")
	c := fromEnv()
	if c.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", c.Addr)
	}
	if c.SettingsPath != "/data/settings.db" {
		t.Errorf("SettingsPath = %q", c.SettingsPath)
	}
	if c.PortalTimeout != 15*time.Second {
		t.Errorf("PortalTimeout = %v", c.PortalTimeout)
	}
	if c.RefreshInterval != 0 {
		t.Errorf("RefreshInterval = %v, want 0 (disabled)", c.RefreshInterval)
	}
	if c.RatePerSecond != 2.5 {
		t.Errorf("RatePerSecond = %v", c.RatePerSecond)
	}
	if c.HostConcurrency != 4 {
		t.Errorf("HostConcurrency = %d, want default on bad value", c.HostConcurrency)
	}
	if c.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
	if !c.TLSEnabled() {
		t.Error("TLS should be enabled with key+cert")
	}
}

func TestApplyEnv_hostPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	if c := fromEnv(); c.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", c.Addr)
	}
	t.Setenv("STALKER_BRIDGE_HOST", "::1")
	if c := fromEnv(); c.Addr != "[::1]:8080" {
		t.Errorf("Addr = %q", c.Addr)
	}
	t.Setenv("STALKER_BRIDGE_ADDR", ":1234")
	if c := fromEnv(); c.Addr != ":1234" {
		t.Errorf("ADDR should win; Addr = %q", c.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	yml := `addr: ":8443"
settings: /var/lib/stalker-bridge/settings.sqlite
tls:
  key: /etc/tls/key.pem
  cert: /etc/tls/cert.pem
portal:
  timeout: 90s
  refresh: 1h
  rate: 1
  host_concurrency: 2
redis:
  url: redis://cache:6379/1
log:
  format: text
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	c := Default()
	if err := LoadFile(path, c); err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":8443" || c.SettingsPath != "/var/lib/stalker-bridge/settings.sqlite" {
		t.Errorf("Addr=%q SettingsPath=%q", c.Addr, c.SettingsPath)
	}
	if c.PortalTimeout != 90*time.Second || c.RefreshInterval != time.Hour {
		t.Errorf("PortalTimeout=%v RefreshInterval=%v", c.PortalTimeout, c.RefreshInterval)
	}
	if c.SessionTTL != 20*time.Minute {
		t.Errorf("SessionTTL = %v, want default kept", c.SessionTTL)
	}
	if c.RatePerSecond != 1 || c.HostConcurrency != 2 || c.RateBurst != 10 {
		t.Errorf("rate=%v conc=%d burst=%d", c.RatePerSecond, c.HostConcurrency, c.RateBurst)
	}
	if !c.TLSEnabled() || c.RedisURL != "redis://cache:6379/1" || c.LogFormat != "text" {
		t.Errorf("config = %+v", c)
	}

	// Environment overrides the file.
	t.Setenv("STALKER_BRIDGE_ADDR", ":9999")
	c.ApplyEnv()
	if c.Addr != ":9999" {
		t.Errorf("Addr after env = %q", c.Addr)
	}
}

func TestLoadFile_errors(t *testing.T) {
	dir := t.TempDir()
	if err := LoadFile(filepath.Join(dir, "missing.yaml"), Default()); err == nil {
		t.Error("missing file should error")
	}
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("portal:\n  timeout: soon\n"), 0644)
	if err := LoadFile(bad, Default()); err == nil {
		t.Error("bad duration should error")
	}
	broken := filepath.Join(dir, "broken.yaml")
	os.WriteFile(broken, []byte("addr: [unterminated\n"), 0644)
	if err := LoadFile(broken, Default()); err == nil {
		t.Error("malformed YAML should error")
	}
}

func fromEnv() *Config {
	c := Default()
	c.ApplyEnv()
	return c
}
