package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "magicfolder",
	Short: "Index a local directory of documents for semantic search",
	Long: `magicfolder watches a directory, extracts and embeds the text in
every file it finds, and serves natural-language search over the
result via a small HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (optional; defaults and env vars apply if absent)")
}
