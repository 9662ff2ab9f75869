// Command magicfolder is the daemon/CLI entrypoint: `serve` runs the
// watcher, worker pool, and HTTP surface together; `search`, `process`,
// and `status` are one-shot client commands against a running daemon's
// HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
