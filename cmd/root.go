// Package cmd wires the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Session gateway for AI coding-agent backends",
	Long: `agentgate exposes long-running agent queries through durable sessions.

Clients create a session, then run prompts against it over HTTP (JSON or SSE
streaming) or over the Model Context Protocol. Each query's output is
persisted as an ordered message log that survives client disconnects.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
