package cmd

import (
	"github.com/spf13/cobra"
)

// topicsCmd represents the topics command
var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Generate and vet typed topic constants",
	Long: `The topics command keeps a project's topic names honest. Both
subcommands work from the same manifest: a JSON file listing every
topic the project may subscribe to.

Available subcommands:
  gen   Generate a Go file of typed topic constants from the manifest
  vet   Flag topic string literals that the manifest does not declare

Examples:
  # Generate constants into the default output file
  remora topics gen --manifest topics.json

  # Vet the whole module against the manifest
  remora topics vet --manifest topics.json ./...

Use "remora topics [command] --help" for more information about a specific command.`,
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}
