package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is reachable and summarize indexed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var health struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		if err := client.get("/", &health); err != nil {
			return fmt.Errorf("daemon unreachable: %w", err)
		}
		fmt.Printf("daemon: %s (version %s)\n", health.Status, health.Version)

		var files []core.File
		if err := client.get("/files", &files); err != nil {
			return fmt.Errorf("list files: %w", err)
		}

		counts := map[core.ProcessingStatus]int{}
		for _, f := range files {
			counts[f.ProcessingStatus]++
		}
		fmt.Printf("files indexed: %d\n", len(files))
		for _, status := range []core.ProcessingStatus{
			core.StatusQueued,
			core.StatusProcessing,
			core.StatusProcessed,
			core.StatusFailed,
		} {
			if n := counts[status]; n > 0 {
				fmt.Printf("  %-12s %d\n", status, n)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
