// Package cmd holds the varasto CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "varasto",
	Short: "Self-hosted knowledge base with hybrid search",
	Long: `Varasto mirrors a managed directory tree, pulls in remote sources,
chunks and embeds textual content, and serves hybrid semantic + keyword
search over HTTP, WebSocket and MCP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
