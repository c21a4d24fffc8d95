package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/remora/internal/config"
)

var (
	cfgFile  string
	endpoint string
)

var rootCmd = &cobra.Command{
	Use:   "remora",
	Short: "Remora keeps client state stuck to a backend over one WebSocket",
	Long: `Remora is a topic-based synchronization client and its development relay.

Available commands:
  serve     Run the development relay
  tail      Stream events from a relay to stdout
  publish   Push one event into a relay
  topics    Generate and vet typed topic constants

Use "remora [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON settings file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "url", "", "relay WebSocket URL, e.g. ws://localhost:8787/ws")
}

// overrides turns the persistent flags into a config layer. Empty flags
// contribute nothing; the regular sources fill the rest.
func overrides() *config.Config {
	return &config.Config{URL: endpoint, ConfigFile: cfgFile}
}
