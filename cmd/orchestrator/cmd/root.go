package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "insien-orchestrator",
	Short: "insien sandbox orchestrator control plane",
	Long: `The insien orchestrator provisions ephemeral code sandboxes backed by
Docker containers, routes RPC traffic between SDK clients and in-container
agents, exposes container ports on stable host ports, and reclaims expired
resources.

Running without a subcommand starts the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchestrator version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("insien-orchestrator %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
