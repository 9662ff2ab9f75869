package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cgorski03/magic-folder-sub000/internal/config"
	"github.com/cgorski03/magic-folder-sub000/internal/daemon"
)

var (
	serveLogFile string
	serveLogJSON bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: filesystem watcher, worker pool, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := newServeLogger()

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("daemon starting",
			"api_base_url", cfg.APIBaseURL,
			"watch_directory", cfg.WatchDirectory,
			"num_workers", cfg.NumWorkers,
		)
		return d.Run(ctx)
	},
}

func newServeLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if serveLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(serveLogFile), 0o755); err == nil {
			w = &lumberjack.Logger{
				Filename:   serveLogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}
		}
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if serveLogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func init() {
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "rotate daemon logs to this path instead of stderr")
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "emit structured JSON logs instead of text")
	rootCmd.AddCommand(serveCmd)
}
