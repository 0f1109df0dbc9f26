package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"

	capsule "github.com/timecapsule-app/capsule-sdk-go"
)

// openStore opens the configured storage backend.
func openStore(cfg *Config) (capsule.Store, error) {
	driver := valueOrDefault(cfg.Storage.Driver, "file")
	path := cfg.Storage.Path

	switch driver {
	case "memory":
		return capsule.NewMemoryStore(), nil
	case "file":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "state.json")
		}
		return capsule.NewFileStore(path)
	case "sqlite":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		return capsule.NewSQLiteStore(path)
	case "redis":
		return capsule.NewRedisStore(
			valueOrDefault(cfg.Storage.RedisAddr, "localhost:6379"),
			cfg.Storage.RedisPassword,
			cfg.Storage.RedisDB,
			cfg.Storage.Namespace,
		)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// clientOptions maps the config onto SDK options.
func clientOptions(cfg *Config, store capsule.Store, nav capsule.Navigator) ([]capsule.ClientOption, error) {
	opts := []capsule.ClientOption{
		capsule.WithStore(store),
		capsule.WithLogger(logrus.StandardLogger()),
		capsule.WithNavigator(nav),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, capsule.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, capsule.WithEnvironment(capsule.Environment(cfg.Default.Environment)))
	}
	if cfg.Default.Locale != "" {
		opts = append(opts, capsule.WithLocale(cfg.Default.Locale))
	}

	n := cfg.Network
	if n.Timeout != "" {
		d, err := time.ParseDuration(n.Timeout)
		if err != nil {
			return nil, fmt.Errorf("network.timeout: %w", err)
		}
		opts = append(opts, capsule.WithTimeout(d))
	}
	if n.ProbeInterval != "" {
		d, err := time.ParseDuration(n.ProbeInterval)
		if err != nil {
			return nil, fmt.Errorf("network.probe_interval: %w", err)
		}
		opts = append(opts, capsule.WithProbeInterval(d))
	}
	if n.MaxRetries > 0 {
		opts = append(opts, capsule.WithMaxRetries(n.MaxRetries))
	}
	if n.QueueRetryLimit > 0 {
		opts = append(opts, capsule.WithQueueRetryLimit(n.QueueRetryLimit))
	}
	if n.AuthRetryLimit > 0 {
		opts = append(opts, capsule.WithAuthRetryLimit(n.AuthRetryLimit))
	}
	if n.Mobile {
		opts = append(opts, capsule.WithMobile(true))
	}
	return opts, nil
}

// cliNavigator prints where the web client would have redirected.
type cliNavigator struct{}

func (cliNavigator) CurrentPath() string { return "/capsules" }

func (cliNavigator) Redirect(target string) {
	fmt.Fprintf(os.Stderr, "Connection restored. Resume your sign-in: %s\n", target)
}

// newClient builds a client from the config. The caller closes the store.
func newClient() (*capsule.Client, capsule.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	opts, err := clientOptions(cfg, store, cliNavigator{})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return capsule.NewClient(opts...), store, nil
}

// promptPassword reads a password without echo.
func promptPassword(prompt string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	return line.PasswordPrompt(prompt)
}

// prompt reads a line of input, offering def as the pre-filled answer.
func prompt(label, def string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	return line.PromptWithSuggestion(label, def, -1)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
