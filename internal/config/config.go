// Package config handles configuration loading and validation for streamgate.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/iptv-proxy/streamgate/internal/provider"
)

// Config holds all configuration for the proxy
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Inputs     []InputConfig    `mapstructure:"inputs"`
	Redis      RedisConfig      `mapstructure:"redis"`
	API        APIConfig        `mapstructure:"api"`
	Security   SecurityConfig   `mapstructure:"security"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// PoolConfig defines service identity settings
type PoolConfig struct {
	Name string `mapstructure:"name"`
}

// AliasInputConfig describes one priority-ranked alternate endpoint for an
// input, mirroring provider.AliasConfig with mapstructure tags.
type AliasInputConfig struct {
	ID             uint16 `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	MaxConnections uint16 `mapstructure:"max_connections"`
	Priority       int16  `mapstructure:"priority"`
}

// InputConfig describes one logical upstream input plus its aliases, as
// loaded from the configuration file.
type InputConfig struct {
	ID             uint16             `mapstructure:"id"`
	Name           string             `mapstructure:"name"`
	URL            string             `mapstructure:"url"`
	Username       string             `mapstructure:"username"`
	Password       string             `mapstructure:"password"`
	InputType      string             `mapstructure:"input_type"`
	MaxConnections uint16             `mapstructure:"max_connections"`
	Priority       int16              `mapstructure:"priority"`
	Aliases        []AliasInputConfig `mapstructure:"aliases"`
}

// ToProvider converts a loaded InputConfig into the type the provider
// package's manager consumes, translating the textual input_type into
// provider.InputType.
func (c InputConfig) ToProvider() provider.InputConfig {
	aliases := make([]provider.AliasConfig, 0, len(c.Aliases))
	for _, a := range c.Aliases {
		aliases = append(aliases, provider.AliasConfig{
			ID:             a.ID,
			Name:           a.Name,
			URL:            a.URL,
			Username:       a.Username,
			Password:       a.Password,
			MaxConnections: a.MaxConnections,
			Priority:       a.Priority,
		})
	}

	return provider.InputConfig{
		ID:             c.ID,
		Name:           c.Name,
		URL:            c.URL,
		Username:       c.Username,
		Password:       c.Password,
		InputType:      parseInputType(c.InputType),
		MaxConnections: c.MaxConnections,
		Priority:       c.Priority,
		Aliases:        aliases,
	}
}

func parseInputType(s string) provider.InputType {
	if s == "m3u" {
		return provider.InputTypeM3U
	}
	return provider.InputTypeXtream
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// SecurityConfig defines client-IP abuse policy settings
type SecurityConfig struct {
	ConnectionLimit int           `mapstructure:"connection_limit"`
	BanThreshold    int           `mapstructure:"ban_threshold"`
	BanDuration     time.Duration `mapstructure:"ban_duration"`
	CheckThreshold  int           `mapstructure:"check_threshold"`
	AdminToken      string        `mapstructure:"admin_token"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof debug server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NotifyConfig defines operator alerting settings
type NotifyConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	ServiceURL   string `mapstructure:"service_url"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/streamgate")
	}

	// Read environment variables
	v.SetEnvPrefix("STREAMGATE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.name", "streamgate")

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Security defaults
	v.SetDefault("security.connection_limit", 20)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.check_threshold", 50)

	// NewRelic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "streamgate")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}

	if len(c.Inputs) == 0 {
		return fmt.Errorf("at least one entry under inputs is required")
	}

	seen := make(map[string]bool, len(c.Inputs))
	for _, input := range c.Inputs {
		if input.Name == "" {
			return fmt.Errorf("inputs[].name is required")
		}
		if seen[input.Name] {
			return fmt.Errorf("duplicate input name %q", input.Name)
		}
		seen[input.Name] = true

		for _, alias := range input.Aliases {
			if alias.Name == "" {
				return fmt.Errorf("input %q: aliases[].name is required", input.Name)
			}
			if seen[alias.Name] {
				return fmt.Errorf("duplicate provider name %q", alias.Name)
			}
			seen[alias.Name] = true
		}
	}

	return nil
}

// ToProviderInputs converts every configured input into the provider
// package's InputConfig, ready to be passed to AddInput.
func (c *Config) ToProviderInputs() []provider.InputConfig {
	out := make([]provider.InputConfig, 0, len(c.Inputs))
	for _, input := range c.Inputs {
		out = append(out, input.ToProvider())
	}
	return out
}
