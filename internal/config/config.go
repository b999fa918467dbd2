// Package config loads runtime configuration from a YAML file with
// COURTEDGE_* environment overrides for the sensitive fields.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly to the YAML file.
type Config struct {
	UserID     string           `mapstructure:"user_id"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scoreboard ScoreboardConfig `mapstructure:"scoreboard"`
	CLOBRest   CLOBRestConfig   `mapstructure:"clob_rest"`
	EVMCLOB    EVMCLOBConfig    `mapstructure:"evm_clob"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig selects the store backend: a postgres:// URL or a SQLite
// file path.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ScoreboardConfig points at the sports data API.
type ScoreboardConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// CLOBRestConfig holds the RSA-keyed venue's endpoint and credentials.
type CLOBRestConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	KeyID          string `mapstructure:"key_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// EVMCLOBConfig holds the wallet-keyed venue's endpoints.
type EVMCLOBConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
	PrivateKeyHex string `mapstructure:"private_key"`
}

// DiscoveryConfig tunes candidate market filtering.
type DiscoveryConfig struct {
	MinLiquidity float64 `mapstructure:"min_liquidity"`
	MinVolume    float64 `mapstructure:"min_volume"`
	MaxSpread    float64 `mapstructure:"max_spread"`
	HoursAhead   int     `mapstructure:"hours_ahead"`
}

// WebhookConfig is the alert destination; empty URL disables alerts.
type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads the config file with env overrides. Sensitive fields use
// COURTEDGE_CLOB_KEY_ID, COURTEDGE_CLOB_KEY_PATH, COURTEDGE_EVM_PRIVATE_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COURTEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("user_id", "default")
	v.SetDefault("database.dsn", "data/courtedge.db")
	v.SetDefault("scoreboard.base_url", "https://site.api.espn.com/apis/site/v2/sports")
	v.SetDefault("discovery.min_liquidity", 1000)
	v.SetDefault("discovery.min_volume", 5000)
	v.SetDefault("discovery.max_spread", 0.10)
	v.SetDefault("discovery.hours_ahead", 12)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("COURTEDGE_CLOB_KEY_ID"); key != "" {
		cfg.CLOBRest.KeyID = key
	}
	if path := os.Getenv("COURTEDGE_CLOB_KEY_PATH"); path != "" {
		cfg.CLOBRest.PrivateKeyPath = path
	}
	if key := os.Getenv("COURTEDGE_EVM_PRIVATE_KEY"); key != "" {
		cfg.EVMCLOB.PrivateKeyHex = key
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !c.CLOBRest.Enabled && !c.EVMCLOB.Enabled {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	if c.CLOBRest.Enabled && c.CLOBRest.BaseURL == "" {
		return fmt.Errorf("clob_rest.base_url is required when clob_rest is enabled")
	}
	if c.EVMCLOB.Enabled && c.EVMCLOB.BaseURL == "" {
		return fmt.Errorf("evm_clob.base_url is required when evm_clob is enabled")
	}
	if c.Discovery.MaxSpread <= 0 || c.Discovery.MaxSpread > 1 {
		return fmt.Errorf("discovery.max_spread must be in (0, 1]")
	}
	return nil
}
