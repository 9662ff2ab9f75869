package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

var searchTopK int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed documents by natural-language query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			FileResults []struct {
				File     core.File `json:"File"`
				Distance float32   `json:"Distance"`
			} `json:"FileResults"`
			ChunkResults []struct {
				FileID     int64   `json:"FileID"`
				ChunkIndex int     `json:"ChunkIndex"`
				Content    string  `json:"Content"`
				Distance   float32 `json:"Distance"`
			} `json:"ChunkResults"`
		}
		if err := client.post("/search", map[string]any{"query": args[0], "top_k": searchTopK}, &result); err != nil {
			return err
		}

		if len(result.FileResults) == 0 {
			fmt.Println("no matching files")
			return nil
		}
		fmt.Println("files:")
		for _, f := range result.FileResults {
			fmt.Printf("  %.4f  %s\n", f.Distance, f.File.Path)
		}
		if len(result.ChunkResults) > 0 {
			fmt.Println("passages:")
			for _, c := range result.ChunkResults {
				fmt.Printf("  %.4f  file=%d chunk=%d: %s\n", c.Distance, c.FileID, c.ChunkIndex, truncate(c.Content, 120))
			}
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 5, "number of results per granularity")
	rootCmd.AddCommand(searchCmd)
}
