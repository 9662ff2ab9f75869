package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process <path>",
	Short: "Trigger (or coalesce) a PROCESS_FILE task for a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			TaskID   int64  `json:"task_id"`
			FilePath string `json:"file_path"`
		}
		if err := client.post("/process_file", map[string]string{"file_path": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Printf("enqueued task %d for %s\n", resp.TaskID, resp.FilePath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
