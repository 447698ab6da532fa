// Package config builds the runtime configuration from the environment, with
// an optional YAML overlay for deployments that prefer a file. Environment
// variables always win; defaults match the single-node dashboard deployment.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the fully parsed, validated runtime configuration. Unknown
// environment variables are ignored by construction; malformed values for the
// fields below are startup-fatal.
type Config struct {
	HTTPPort        int
	HTTPBindAddress string

	SyslogPort        int
	SyslogBindAddress string

	SessionSecret     string
	DashboardUsername string
	DashboardPassword string

	// OCDERanges is the parsed OCDE_IP_RANGES CIDR set used for the
	// is-target flag. Parsed once here; never re-read.
	OCDERanges []netip.Prefix

	ThreatFeedAPIKey string
	// DemoFeed controls whether an empty threat feed falls back to the
	// built-in demo advisories.
	DemoFeed bool

	GeoIPDBPath     string
	MetricsInterval time.Duration

	Production bool

	DataDir   string
	LogsDir   string
	PublicDir string
}

// fileConfig is the YAML overlay shape. Only a subset of knobs makes sense in
// a file; secrets stay in the environment.
type fileConfig struct {
	HTTP struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"http"`
	Syslog struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"syslog"`
	GeoIPDBPath     string `yaml:"geoip_db_path"`
	MetricsInterval string `yaml:"metrics_interval"`
	DemoFeed        *bool  `yaml:"demo_feed"`
}

const (
	defaultHTTPPort   = 3000
	defaultSyslogPort = 514
	defaultBind       = "127.0.0.1"
)

// Load reads the optional config file, then the environment, validates, and
// returns the effective configuration. A malformed CIDR list, port, or
// unreadable config file is a fatal startup error.
func Load(log *slog.Logger) (*Config, error) {
	cfg := &Config{
		HTTPPort:          defaultHTTPPort,
		HTTPBindAddress:   defaultBind,
		SyslogPort:        defaultSyslogPort,
		SyslogBindAddress: defaultBind,
		DashboardUsername: "admin",
		DashboardPassword: "ChangeMe",
		DemoFeed:          true,
		GeoIPDBPath:       "data/GeoLite2-City.mmdb",
		MetricsInterval:   60 * time.Second,
		DataDir:           "data",
		LogsDir:           "logs",
		PublicDir:         "public",
	}

	if err := cfg.applyFile(envOr("THREATMAP_CONFIG", "config.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.SessionSecret == "" {
		log.Warn("SESSION_SECRET is not set; sessions will not survive restarts")
	} else if len(cfg.SessionSecret) < 32 {
		log.Warn("SESSION_SECRET is shorter than 32 characters; use a longer random value")
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if fc.HTTP.Port != 0 {
		c.HTTPPort = fc.HTTP.Port
	}
	if fc.HTTP.BindAddress != "" {
		c.HTTPBindAddress = fc.HTTP.BindAddress
	}
	if fc.Syslog.Port != 0 {
		c.SyslogPort = fc.Syslog.Port
	}
	if fc.Syslog.BindAddress != "" {
		c.SyslogBindAddress = fc.Syslog.BindAddress
	}
	if fc.GeoIPDBPath != "" {
		c.GeoIPDBPath = fc.GeoIPDBPath
	}
	if fc.MetricsInterval != "" {
		d, err := time.ParseDuration(fc.MetricsInterval)
		if err != nil {
			return fmt.Errorf("config file %s: metrics_interval: %w", path, err)
		}
		c.MetricsInterval = d
	}
	if fc.DemoFeed != nil {
		c.DemoFeed = *fc.DemoFeed
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.HTTPPort, err = envInt("HTTP_PORT", c.HTTPPort); err != nil {
		return err
	}
	c.HTTPBindAddress = envOr("HTTP_BIND_ADDRESS", c.HTTPBindAddress)
	if c.SyslogPort, err = envInt("SYSLOG_PORT", c.SyslogPort); err != nil {
		return err
	}
	c.SyslogBindAddress = envOr("SYSLOG_BIND_ADDRESS", c.SyslogBindAddress)

	c.SessionSecret = os.Getenv("SESSION_SECRET")
	c.DashboardUsername = envOr("DASHBOARD_USERNAME", c.DashboardUsername)
	c.DashboardPassword = envOr("DASHBOARD_PASSWORD", c.DashboardPassword)
	c.ThreatFeedAPIKey = os.Getenv("THREAT_FEED_API_KEY")
	c.GeoIPDBPath = envOr("GEOIP_DB_PATH", c.GeoIPDBPath)
	c.Production = os.Getenv("NODE_ENV") == "production"

	if v := os.Getenv("THREAT_FEED_DEMO"); v != "" {
		c.DemoFeed = v != "false" && v != "0"
	}

	if v := os.Getenv("METRICS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("METRICS_INTERVAL: %w", err)
		}
		c.MetricsInterval = d
	}

	ranges, err := ParseCIDRList(os.Getenv("OCDE_IP_RANGES"))
	if err != nil {
		return err
	}
	c.OCDERanges = ranges
	return nil
}

// ParseCIDRList parses a comma-separated CIDR list. An empty list is valid
// (no destination ever matches); a malformed entry is an error.
func ParseCIDRList(raw string) ([]netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("OCDE_IP_RANGES: bad CIDR %q: %w", part, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
