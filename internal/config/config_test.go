package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "127.0.0.1:3030" {
		t.Errorf("api_base_url = %q", cfg.APIBaseURL)
	}
	if cfg.NumWorkers != 1 {
		t.Errorf("num_workers = %d, want 1", cfg.NumWorkers)
	}
	if cfg.WatcherSettleMs != 1500 {
		t.Errorf("file_watcher_settle_ms = %d, want 1500", cfg.WatcherSettleMs)
	}
	if !cfg.WatcherEnabled {
		t.Error("file_watcher_enabled should default true")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "num_workers: 4\nwatch_directory: /tmp/watched\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumWorkers != 4 {
		t.Errorf("num_workers = %d, want 4", cfg.NumWorkers)
	}
	if cfg.WatchDirectory != "/tmp/watched" {
		t.Errorf("watch_directory = %q", cfg.WatchDirectory)
	}
	// Unset fields still fall back to defaults.
	if cfg.EmbeddingModel != "mxbai-embed-large" {
		t.Errorf("embedding_model = %q", cfg.EmbeddingModel)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("a missing config file should fall back to defaults, got: %v", err)
	}
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("num_workers: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for num_workers: 0")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAGICFOLDER_NUM_WORKERS", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumWorkers != 7 {
		t.Errorf("num_workers = %d, want 7 from env override", cfg.NumWorkers)
	}
}
