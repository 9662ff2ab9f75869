// Package config loads the daemon's typed configuration from an
// optional file plus environment overrides, adapted from the teacher's
// viper-singleton config loader but constructed explicitly (no
// package-level global) so multiple configurations can coexist in
// tests.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated daemon configuration.
type Config struct {
	APIBaseURL           string `mapstructure:"api_base_url"`
	MetadataDBPath       string `mapstructure:"metadata_db_path"`
	OllamaURL            string `mapstructure:"ollama_url"`
	EmbeddingModel       string `mapstructure:"embedding_model"`
	NumWorkers           int    `mapstructure:"num_workers"`
	WatchDirectory       string `mapstructure:"watch_directory"`
	WatcherEnabled       bool   `mapstructure:"file_watcher_enabled"`
	WatcherSettleMs      int    `mapstructure:"file_watcher_settle_ms"`
	ModifyQuiesceMinutes int    `mapstructure:"file_watcher_modify_quiesce_minutes"`
}

// Load reads configuration from path (if non-empty and present),
// overlays MAGICFOLDER_-prefixed environment variables, and validates
// the result. A missing config file is not an error; missing/invalid
// fields are (validation errors are fatal at startup per design).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("api_base_url", "127.0.0.1:3030")
	v.SetDefault("metadata_db_path", "./data/metadata.db")
	v.SetDefault("ollama_url", "http://localhost:11434")
	v.SetDefault("embedding_model", "mxbai-embed-large")
	v.SetDefault("num_workers", 1)
	v.SetDefault("watch_directory", "./data/watch")
	v.SetDefault("file_watcher_enabled", true)
	v.SetDefault("file_watcher_settle_ms", 1500)
	v.SetDefault("file_watcher_modify_quiesce_minutes", 5)

	v.SetEnvPrefix("MAGICFOLDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.NumWorkers <= 0 {
		return fmt.Errorf("config: num_workers must be > 0, got %d", c.NumWorkers)
	}
	if c.WatcherSettleMs < 100 {
		return fmt.Errorf("config: file_watcher_settle_ms must be >= 100, got %d", c.WatcherSettleMs)
	}
	if c.ModifyQuiesceMinutes < 1 {
		return fmt.Errorf("config: file_watcher_modify_quiesce_minutes must be >= 1, got %d", c.ModifyQuiesceMinutes)
	}
	if c.MetadataDBPath == "" {
		return fmt.Errorf("config: metadata_db_path must not be empty")
	}
	if c.WatchDirectory == "" {
		return fmt.Errorf("config: watch_directory must not be empty")
	}
	if c.OllamaURL == "" {
		return fmt.Errorf("config: ollama_url must not be empty")
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("config: embedding_model must not be empty")
	}
	return nil
}
