package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initStorage string

func init() {
	initCmd.Flags().StringVar(&initStorage, "storage", "file", "Storage driver: file, sqlite, redis, memory")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.capsule/config.toml",
	Long:  "Initialize the CLI by storing the API base URL and storage driver in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base URL must start with http:// or https://")
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if err := setConfigValue(cfg, "storage.driver", initStorage); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
