package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.capsule/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Network ConfigNetwork `toml:"network"`
	Storage ConfigStorage `toml:"storage"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	Locale      string `toml:"locale"`
}

// ConfigNetwork tunes the request layer. Durations use Go syntax ("30s").
type ConfigNetwork struct {
	Timeout         string `toml:"timeout,omitempty"`
	ProbeInterval   string `toml:"probe_interval,omitempty"`
	MaxRetries      int    `toml:"max_retries,omitempty"`
	QueueRetryLimit int    `toml:"queue_retry_limit,omitempty"`
	AuthRetryLimit  int    `toml:"auth_retry_limit,omitempty"`
	Mobile          bool   `toml:"mobile,omitempty"`
}

// ConfigStorage selects where session and queue state live.
type ConfigStorage struct {
	Driver        string `toml:"driver"` // file | sqlite | redis | memory
	Path          string `toml:"path,omitempty"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	Namespace     string `toml:"namespace,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	flagConfig  string
	flagVerbose bool
)

// configDir returns the path to ~/.capsule, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".capsule")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file, then applies .env and CAPSULE_* overrides.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("ignoring unreadable .env")
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

// readConfig parses path. A missing file yields a zero-value Config.
func readConfig(path string) (*Config, error) {
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

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Default.BaseURL, "CAPSULE_BASE_URL")
	set(&cfg.Default.Environment, "CAPSULE_ENVIRONMENT")
	set(&cfg.Default.Locale, "CAPSULE_LOCALE")
	set(&cfg.Storage.Driver, "CAPSULE_STORAGE_DRIVER")
	set(&cfg.Storage.Path, "CAPSULE_STORAGE_PATH")
	set(&cfg.Storage.RedisAddr, "CAPSULE_REDIS_ADDR")
	set(&cfg.Storage.RedisPassword, "CAPSULE_REDIS_PASSWORD")
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	}

	var err error
	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		case "locale":
			cfg.Default.Locale = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "network":
		switch field {
		case "timeout":
			cfg.Network.Timeout = value
		case "probe_interval":
			cfg.Network.ProbeInterval = value
		case "max_retries":
			cfg.Network.MaxRetries, err = atoi()
		case "queue_retry_limit":
			cfg.Network.QueueRetryLimit, err = atoi()
		case "auth_retry_limit":
			cfg.Network.AuthRetryLimit, err = atoi()
		case "mobile":
			cfg.Network.Mobile, err = strconv.ParseBool(value)
		default:
			return fmt.Errorf("unknown field %q in section [network]", field)
		}
	case "storage":
		switch field {
		case "driver":
			switch value {
			case "file", "sqlite", "redis", "memory":
				cfg.Storage.Driver = value
			default:
				return fmt.Errorf("unknown storage driver %q (valid: file, sqlite, redis, memory)", value)
			}
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_password":
			cfg.Storage.RedisPassword = value
		case "redis_db":
			cfg.Storage.RedisDB, err = atoi()
		case "namespace":
			cfg.Storage.Namespace = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, network, storage)", section)
	}
	return err
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Time Capsule CLI",
	Long:  "Command-line interface for the Time Capsule API.\nSign in, seal capsules, and manage requests queued while offline.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetOutput(os.Stderr)
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.capsule/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log request-layer activity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
