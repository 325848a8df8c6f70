// Package config handles configuration loading for AceMarket.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Environment names accepted by the ENVIRONMENT variable.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config represents the complete application configuration.
type Config struct {
	Environment string        `mapstructure:"environment" yaml:"environment"`
	Server      ServerConfig  `mapstructure:"server"      yaml:"server"`
	Auth        AuthConfig    `mapstructure:"auth"        yaml:"auth"`
	Store       StoreConfig   `mapstructure:"store"       yaml:"store"`
	Data        DataConfig    `mapstructure:"data"        yaml:"data"`
	Engine      EngineConfig  `mapstructure:"engine"      yaml:"engine"`
	Logging     LoggingConfig `mapstructure:"logging"     yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string   `mapstructure:"host"                yaml:"host"`
	Port              int      `mapstructure:"port"                yaml:"port"`
	CORSOrigins       []string `mapstructure:"cors_origins"        yaml:"cors_origins"`
	RequestTimeoutSec int      `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`
	RateLimitGeneral  int      `mapstructure:"rate_limit_general"  yaml:"rate_limit_general"`  // requests per window
	RateLimitRuns     int      `mapstructure:"rate_limit_runs"     yaml:"rate_limit_runs"`     // strategy runs per window
	RateLimitWindow   int      `mapstructure:"rate_limit_window"   yaml:"rate_limit_window"`   // seconds
}

// AuthConfig holds bearer-token verification settings.
type AuthConfig struct {
	Disabled        bool   `mapstructure:"disabled"         yaml:"disabled"`
	ProjectID       string `mapstructure:"project_id"       yaml:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DataConfig holds market-data provider settings.
type DataConfig struct {
	CacheTTLSec    int `mapstructure:"cache_ttl_sec"    yaml:"cache_ttl_sec"`
	CacheMax       int `mapstructure:"cache_max"        yaml:"cache_max"`
	RequestsPerSec int `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
}

// EngineConfig holds simulation limits that are not per-user settings.
type EngineConfig struct {
	StrategyTimeoutSec int `mapstructure:"strategy_timeout_sec" yaml:"strategy_timeout_sec"`
	StrategyMaxLen     int `mapstructure:"strategy_max_len"     yaml:"strategy_max_len"`
	MaxRunsPerUser     int `mapstructure:"max_runs_per_user"    yaml:"max_runs_per_user"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"` // console writer vs JSON
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.acemarket/config.yaml (home directory)
//  3. /etc/acemarket/config.yaml (system)
//
// Environment variables override config file values.
// Format: ACEMARKET_<SECTION>_<KEY>, e.g., ACEMARKET_SERVER_PORT.
// The legacy unprefixed variables (ACEMARKET_DB, CORS_ORIGINS, DISABLE_AUTH,
// GOOGLE_APPLICATION_CREDENTIALS, ENVIRONMENT, LOG_LEVEL) are also honored.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".acemarket"))
	v.AddConfigPath("/etc/acemarket")

	// Environment variable settings
	v.SetEnvPrefix("ACEMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required to exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found — that's fine, use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("ACEMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent configurations before the server starts.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be development, staging, or production", c.Environment)
	}

	// Production never runs with auth disabled, regardless of DISABLE_AUTH.
	if c.Environment == EnvProduction && c.Auth.Disabled {
		return fmt.Errorf("auth bypass is not permitted in production")
	}

	// Wildcard origins cannot be combined with credentialed CORS.
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("wildcard CORS origin is not permitted; list origins explicitly")
		}
	}
	return nil
}

// AuthBypassed reports whether requests should be attributed to the fixed
// dev user instead of verifying bearer tokens. Disabled explicitly, or
// implicitly when no credentials are configured outside production.
func (c *Config) AuthBypassed() bool {
	if c.Environment == EnvProduction {
		return false
	}
	if c.Auth.Disabled {
		return true
	}
	return c.Auth.CredentialsFile == "" && c.Auth.ProjectID == ""
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.request_timeout_sec", 120)
	v.SetDefault("server.rate_limit_general", 100)
	v.SetDefault("server.rate_limit_runs", 5)
	v.SetDefault("server.rate_limit_window", 60)

	// Auth defaults
	v.SetDefault("auth.disabled", false)

	// Store defaults
	v.SetDefault("store.path", "acemarket.db")

	// Data provider defaults
	v.SetDefault("data.cache_ttl_sec", 3600) // 1 hour
	v.SetDefault("data.cache_max", 64)
	v.SetDefault("data.requests_per_sec", 2)

	// Engine defaults
	v.SetDefault("engine.strategy_timeout_sec", 30)
	v.SetDefault("engine.strategy_max_len", 50000)
	v.SetDefault("engine.max_runs_per_user", 25)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)
}

// overrideFromEnv reads the deployment's legacy unprefixed variables, which
// take precedence over both file values and prefixed variables.
func overrideFromEnv(cfg *Config) {
	if db := os.Getenv("ACEMARKET_DB"); db != "" {
		cfg.Store.Path = db
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		cfg.Server.CORSOrigins = out
	}
	if v := os.Getenv("DISABLE_AUTH"); v != "" {
		cfg.Auth.Disabled = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		cfg.Auth.CredentialsFile = creds
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Environment = strings.ToLower(strings.TrimSpace(env))
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
