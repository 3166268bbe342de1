package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of every environment override
	EnvPrefix = "ACTIONSTATUS"

	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "ACTIONSTATUS_GITHUB_TOKEN"

	// DefaultDatabasePath is resolved relative to the config file
	DefaultDatabasePath = "action-status.db"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via ACTIONSTATUS_GITHUB_TOKEN env var)
	GitHubToken string `mapstructure:"github_token"`

	// GitHubUser is the account the keyring token is stored under
	GitHubUser string `mapstructure:"github_user"`

	// KeyringServer is the keyring service name for the token
	KeyringServer string `mapstructure:"keyring_server"`

	// APIURL and WebURL point at GitHub or a GitHub Enterprise host
	APIURL string `mapstructure:"api_url"`
	WebURL string `mapstructure:"web_url"`

	// Path to the SQLite database file
	DatabasePath string `mapstructure:"database_path"`

	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddress serves Prometheus metrics when non-empty, e.g. ":9090"
	MetricsAddress string `mapstructure:"metrics_address"`

	Refresh RefreshConfig `mapstructure:"refresh"`

	// Repositories in the format "owner/name" that are tracked on start
	Repositories []string `mapstructure:"repositories"`
}

// RefreshConfig tunes the polling schedule
type RefreshConfig struct {
	EventsInterval       time.Duration `mapstructure:"events_interval"`
	WorkflowInterval     time.Duration `mapstructure:"workflow_interval"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	WatchInterval        time.Duration `mapstructure:"watch_interval"`
	BadgeTimeout         time.Duration `mapstructure:"badge_timeout"`
	Workers              int           `mapstructure:"workers"`
	KeepPollingCompleted bool          `mapstructure:"keep_polling_completed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github_token", "")
	v.SetDefault("github_user", "default")
	v.SetDefault("keyring_server", "api.github.com")
	v.SetDefault("api_url", "https://api.github.com/")
	v.SetDefault("web_url", "https://github.com")
	v.SetDefault("database_path", DefaultDatabasePath)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_address", "")
	v.SetDefault("refresh.events_interval", "30s")
	v.SetDefault("refresh.workflow_interval", "60s")
	v.SetDefault("refresh.sweep_interval", "10s")
	v.SetDefault("refresh.watch_interval", "2s")
	v.SetDefault("refresh.badge_timeout", "10s")
	v.SetDefault("refresh.workers", 5)
	v.SetDefault("refresh.keep_polling_completed", false)
	v.SetDefault("repositories", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig loads the configuration from a JSON or YAML file.
// Environment variables prefixed with ACTIONSTATUS_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Make paths absolute if they're relative
	configDir := filepath.Dir(path)
	if !filepath.IsAbs(config.DatabasePath) {
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}
	if config.LogFile != "" && !filepath.IsAbs(config.LogFile) {
		config.LogFile = filepath.Join(configDir, config.LogFile)
	}

	return &config, nil
}

// Validate reports configuration values the refresh engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]time.Duration{
		"refresh.events_interval":   c.Refresh.EventsInterval,
		"refresh.workflow_interval": c.Refresh.WorkflowInterval,
		"refresh.sweep_interval":    c.Refresh.SweepInterval,
		"refresh.watch_interval":    c.Refresh.WatchInterval,
		"refresh.badge_timeout":     c.Refresh.BadgeTimeout,
	}
	for _, key := range []string{
		"refresh.events_interval",
		"refresh.workflow_interval",
		"refresh.sweep_interval",
		"refresh.watch_interval",
		"refresh.badge_timeout",
	} {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, durations[key]))
		}
	}

	if c.Refresh.Workers < 1 || c.Refresh.Workers > 10 {
		errs = append(errs, fmt.Errorf("refresh.workers must be between 1 and 10, got %d", c.Refresh.Workers))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	for key, raw := range map[string]string{"api_url": c.APIURL, "web_url": c.WebURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", key, raw))
		}
	}

	return errors.Join(errs...)
}

// SaveConfig saves the configuration to a file; the format follows the extension
func SaveConfig(config *Config, path string) error {
	v := viper.New()
	v.Set("github_token", config.GitHubToken)
	v.Set("github_user", config.GitHubUser)
	v.Set("keyring_server", config.KeyringServer)
	v.Set("api_url", config.APIURL)
	v.Set("web_url", config.WebURL)
	v.Set("database_path", config.DatabasePath)
	v.Set("log_file", config.LogFile)
	v.Set("log_level", config.LogLevel)
	v.Set("metrics_address", config.MetricsAddress)
	v.Set("refresh.events_interval", config.Refresh.EventsInterval.String())
	v.Set("refresh.workflow_interval", config.Refresh.WorkflowInterval.String())
	v.Set("refresh.sweep_interval", config.Refresh.SweepInterval.String())
	v.Set("refresh.watch_interval", config.Refresh.WatchInterval.String())
	v.Set("refresh.badge_timeout", config.Refresh.BadgeTimeout.String())
	v.Set("refresh.workers", config.Refresh.Workers)
	v.Set("refresh.keep_polling_completed", config.Refresh.KeepPollingCompleted)
	v.Set("repositories", config.Repositories)

	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		GitHubUser:    "default",
		KeyringServer: "api.github.com",
		APIURL:        "https://api.github.com/",
		WebURL:        "https://github.com",
		DatabasePath:  DefaultDatabasePath,
		LogLevel:      "info",
		Refresh: RefreshConfig{
			EventsInterval:   30 * time.Second,
			WorkflowInterval: 60 * time.Second,
			SweepInterval:    10 * time.Second,
			WatchInterval:    2 * time.Second,
			BadgeTimeout:     10 * time.Second,
			Workers:          5,
		},
		Repositories: []string{},
	}
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(DefaultConfig(), path)
}
