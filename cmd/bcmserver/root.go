// Command bcmserver runs the message-delivery backend: the dispatch
// fabric, offline orchestrator, push fan-out and group message store
// behind spec.md §6's REST/WebSocket surface. Grounded on
// aceteam-ai-citadel-cli's cmd/root.go cobra root command shape.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bcmserver",
	Short: "bcmserver is the message-delivery backend",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "bcmserver.conf", "path to the JSONC server config")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
