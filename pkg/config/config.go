// Package config loads the runtime configuration from an optional YAML
// file and MCP_AMBASSADOR_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8787
	DefaultMaxPerUser    = 5
	DefaultMaxTotal      = 50
	DefaultRetentionDays = 90
)

// Config is the resolved runtime configuration.
type Config struct {
	// Host and Port bind the HTTP surface.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// PublicURL is the externally reachable base URL, used in host-tool
	// setup instructions. Empty means http://{host}:{port}.
	PublicURL string `mapstructure:"public_url"`

	// DataDir holds the database, server secret and audit log.
	DataDir string `mapstructure:"data_dir"`

	// AuditDir is the audit log directory, default {DataDir}/audit.
	AuditDir string `mapstructure:"audit_dir"`

	// RetentionDays bounds how long audit files are kept.
	RetentionDays int `mapstructure:"retention_days"`

	// MaxPerUser and MaxTotal cap per-user backend instances.
	MaxPerUser int `mapstructure:"max_per_user"`
	MaxTotal   int `mapstructure:"max_total"`

	// AdminKeyHashes are PHC-formatted Argon2id hashes of admin keys. The
	// first-run recovery token is always accepted in addition.
	AdminKeyHashes []string `mapstructure:"admin_key_hashes"`

	// TLS serves the HTTP surface over a self-signed certificate kept
	// under the data dir.
	TLS bool `mapstructure:"tls"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// Load resolves the configuration. configFile may be empty; environment
// variables override file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MCP_AMBASSADOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, "mcp-ambassador"))
	v.SetDefault("retention_days", DefaultRetentionDays)
	v.SetDefault("max_per_user", DefaultMaxPerUser)
	v.SetDefault("max_total", DefaultMaxTotal)
	v.SetDefault("debug", false)

	// PUBLIC_URL is honored bare for compatibility with reverse-proxy
	// deployments, alongside the prefixed form.
	if err := v.BindEnv("public_url", "MCP_AMBASSADOR_PUBLIC_URL", "PUBLIC_URL"); err != nil {
		return nil, fmt.Errorf("binding public_url: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = filepath.Join(cfg.DataDir, "audit")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data dir %q must be absolute", c.DataDir)
	}
	if !filepath.IsAbs(c.AuditDir) || strings.Contains(c.AuditDir, "..") {
		return fmt.Errorf("audit dir %q must be absolute without traversal", c.AuditDir)
	}
	if c.MaxPerUser < 1 || c.MaxTotal < c.MaxPerUser {
		return fmt.Errorf("instance caps %d/%d are inconsistent", c.MaxPerUser, c.MaxTotal)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention %d days is out of range", c.RetentionDays)
	}
	return nil
}

// ListenAddr returns the bind address for the HTTP surface.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the advertised base URL.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.ListenAddr())
}

// DatabasePath returns the sqlite file under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ambassador.db")
}
