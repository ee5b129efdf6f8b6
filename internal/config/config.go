package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process settings: listen address, TLS, where portal settings
// are persisted, and portal call tuning. Portal identity (URL, MAC, headers)
// lives in internal/settings because it is edited at runtime.
type Config struct {
	Addr string // listen address, e.g. ":7100"

	// TLS: HTTPS is served when both key and cert are set.
	TLSKeyFile  string
	TLSCertFile string
	TLSCAFile   string // optional CA chain served after the certificate

	SettingsPath string // .json file, or .db/.sqlite for the SQLite store

	PortalTimeout   time.Duration // per portal call
	SessionTTL      time.Duration // handshake token reuse window
	RefreshInterval time.Duration // background genre+channel refresh; 0 disables
	RatePerSecond   float64       // outbound portal calls per host; <= 0 disables limiting
	RateBurst       int
	HostConcurrency int    // concurrent portal calls per host
	RedisURL        string // optional shared token store

	LogLevel  string
	LogFormat string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Addr:            ":7100",
		SettingsPath:    "./config.json",
		PortalTimeout:   60 * time.Second,
		SessionTTL:      20 * time.Minute,
		RefreshInterval: 30 * time.Minute,
		RatePerSecond:   5,
		RateBurst:       10,
		HostConcurrency: 4,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// ApplyEnv overrides c with any STALKER_BRIDGE_* variables that are set.
// HOST and PORT are honored for compatibility with older deployments.
func (c *Config) ApplyEnv() {
	if host, port := getEnv("STALKER_BRIDGE_HOST", os.Getenv("HOST")), getEnv("STALKER_BRIDGE_PORT", os.Getenv("PORT")); host != "" || port != "" {
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "7100"
		}
		c.Addr = net.JoinHostPort(host, port)
	}
	c.Addr = getEnv("STALKER_BRIDGE_ADDR", c.Addr)
	c.TLSKeyFile = getEnv("STALKER_BRIDGE_SSL_KEY", getEnv("SSL_KEY", c.TLSKeyFile))
	c.TLSCertFile = getEnv("STALKER_BRIDGE_SSL_CERT", getEnv("SSL_CERT", c.TLSCertFile))
	c.TLSCAFile = getEnv("STALKER_BRIDGE_SSL_CA", getEnv("SSL_CA", c.TLSCAFile))
	c.SettingsPath = getEnv("STALKER_BRIDGE_SETTINGS", c.SettingsPath)
	c.PortalTimeout = getEnvDuration("STALKER_BRIDGE_PORTAL_TIMEOUT", c.PortalTimeout)
	c.SessionTTL = getEnvDuration("STALKER_BRIDGE_SESSION_TTL", c.SessionTTL)
	c.RefreshInterval = getEnvDuration("STALKER_BRIDGE_REFRESH", c.RefreshInterval)
	c.RatePerSecond = getEnvFloat("STALKER_BRIDGE_RATE", c.RatePerSecond)
	c.RateBurst = getEnvInt("STALKER_BRIDGE_RATE_BURST", c.RateBurst)
	c.HostConcurrency = getEnvInt("STALKER_BRIDGE_HOST_CONCURRENCY", c.HostConcurrency)
	c.RedisURL = getEnv("STALKER_BRIDGE_REDIS_URL", c.RedisURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.normalize()
}

func (c *Config) normalize() {
	if c.PortalTimeout <= 0 {
		c.PortalTimeout = 60 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 20 * time.Minute
	}
	if c.RefreshInterval < 0 {
		c.RefreshInterval = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = 4
	}
}

// TLSEnabled reports whether both key and cert are configured.
func (c *Config) TLSEnabled() bool { return c.TLSKeyFile != "" && c.TLSCertFile != "" }

// fileConfig is the YAML layout. Durations are Go duration strings ("90s").
type fileConfig struct {
	Addr     string `yaml:"addr"`
	Settings string `yaml:"settings"`
	TLS      struct {
		Key  string `yaml:"key"`
		Cert string `yaml:"cert"`
		CA   string `yaml:"ca"`
	} `yaml:"tls"`
	Portal struct {
		Timeout         string  `yaml:"timeout"`
		SessionTTL      string  `yaml:"session_ttl"`
		Refresh         string  `yaml:"refresh"`
		Rate            float64 `yaml:"rate"`
		Burst           int     `yaml:"burst"`
		HostConcurrency int     `yaml:"host_concurrency"`
	} `yaml:"portal"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFile overlays the YAML file at path onto c. Unset keys keep their value.
func LoadFile(path string, c *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	setString(&c.Addr, f.Addr)
	setString(&c.SettingsPath, f.Settings)
	setString(&c.TLSKeyFile, f.TLS.Key)
	setString(&c.TLSCertFile, f.TLS.Cert)
	setString(&c.TLSCAFile, f.TLS.CA)
	setString(&c.RedisURL, f.Redis.URL)
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"portal.timeout", f.Portal.Timeout, &c.PortalTimeout},
		{"portal.session_ttl", f.Portal.SessionTTL, &c.SessionTTL},
		{"portal.refresh", f.Portal.Refresh, &c.RefreshInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	if f.Portal.Rate != 0 {
		c.RatePerSecond = f.Portal.Rate
	}
	if f.Portal.Burst > 0 {
		c.RateBurst = f.Portal.Burst
	}
	if f.Portal.HostConcurrency > 0 {
		c.HostConcurrency = f.Portal.HostConcurrency
	}
	c.normalize()
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
