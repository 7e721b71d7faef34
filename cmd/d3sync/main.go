package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.d3/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection and storage settings.
type ConfigDefault struct {
	SupabaseURL   string `toml:"supabase_url"`
	AnonKey       string `toml:"anon_key"`
	AppURL        string `toml:"app_url"`
	BibleID       int    `toml:"bible_id"`
	Store         string `toml:"store"`
	StorePath     string `toml:"store_path"`
	RedisURL      string `toml:"redis_url"`
	DatabaseURL   string `toml:"database_url"`
	WebhookSecret string `toml:"webhook_secret"`
	ListenAddr    string `toml:"listen_addr"`
	ProbeInterval string `toml:"probe_interval"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

// envOverrides are read from the process environment and win over the file.
type envOverrides struct {
	SupabaseURL   string `env:"D3_SUPABASE_URL"`
	AnonKey       string `env:"D3_ANON_KEY"`
	AccessToken   string `env:"D3_ACCESS_TOKEN"`
	UserID        string `env:"D3_USER_ID"`
	Store         string `env:"D3_STORE"`
	StorePath     string `env:"D3_STORE_PATH"`
	RedisURL      string `env:"D3_REDIS_URL"`
	DatabaseURL   string `env:"D3_DATABASE_URL"`
	AppURL        string `env:"D3_APP_URL"`
	BibleID       int    `env:"D3_BIBLE_ID"`
	WebhookSecret string `env:"D3_WEBHOOK_SECRET"`
	ListenAddr    string `env:"D3_LISTEN_ADDR"`
}

const (
	defaultListenAddr    = "127.0.0.1:8787"
	defaultProbeInterval = 15 * time.Second
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.d3, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".d3")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// resolveConfig loads the file and applies D3_* environment overrides.
// The result is never written back.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Default.SupabaseURL, ov.SupabaseURL)
	set(&cfg.Default.AnonKey, ov.AnonKey)
	set(&cfg.Default.Store, ov.Store)
	set(&cfg.Default.StorePath, ov.StorePath)
	set(&cfg.Default.RedisURL, ov.RedisURL)
	set(&cfg.Default.DatabaseURL, ov.DatabaseURL)
	set(&cfg.Default.AppURL, ov.AppURL)
	set(&cfg.Default.WebhookSecret, ov.WebhookSecret)
	set(&cfg.Default.ListenAddr, ov.ListenAddr)
	set(&cfg.Auth.AccessToken, ov.AccessToken)
	set(&cfg.Auth.UserID, ov.UserID)
	if ov.BibleID != 0 {
		cfg.Default.BibleID = ov.BibleID
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.anon_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.anon_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "supabase_url":
			cfg.Default.SupabaseURL = value
		case "anon_key":
			cfg.Default.AnonKey = value
		case "app_url":
			cfg.Default.AppURL = value
		case "bible_id":
			id, err := strconv.Atoi(value)
			if err != nil || id <= 0 {
				return fmt.Errorf("bible_id must be a positive integer, got %q", value)
			}
			cfg.Default.BibleID = id
		case "store":
			switch value {
			case "sqlite", "redis", "memory":
			default:
				return fmt.Errorf("store must be sqlite, redis or memory, got %q", value)
			}
			cfg.Default.Store = value
		case "store_path":
			cfg.Default.StorePath = value
		case "redis_url":
			cfg.Default.RedisURL = value
		case "database_url":
			cfg.Default.DatabaseURL = value
		case "webhook_secret":
			cfg.Default.WebhookSecret = value
		case "listen_addr":
			cfg.Default.ListenAddr = value
		case "probe_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("probe_interval: %w", err)
			}
			cfg.Default.ProbeInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// probeInterval parses default.probe_interval, falling back to the default.
func (c *Config) probeInterval() time.Duration {
	if c.Default.ProbeInterval == "" {
		return defaultProbeInterval
	}
	d, err := time.ParseDuration(c.Default.ProbeInterval)
	if err != nil || d <= 0 {
		return defaultProbeInterval
	}
	return d
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "d3sync",
	Short:        "D3 offline sync CLI",
	Long:         "Command-line interface for the D3 Bible-study sync engine.\nQueue answers offline, drain them when the network returns, and run the sync daemon.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

// newLogger returns a text logger on stderr.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
