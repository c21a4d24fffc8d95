package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/remora/cmd/remora/internal/manifest"
)

var (
	genManifestPath string
	genOutPath      string
	genPackage      string
)

// topicsGenCmd represents the topics gen command
var topicsGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate typed topic constants from the manifest",
	Long: `Read the topics manifest and emit a Go source file declaring one
typed constant per topic. Subscribing through the constants means a
renamed or deleted topic breaks the build instead of silently
streaming nothing.

Examples:
  remora topics gen --manifest topics.json
  remora topics gen --manifest topics.json --out internal/apptopics/topics_gen.go --package apptopics`,
	Run: topicsGenHandler,
}

func topicsGenHandler(cmd *cobra.Command, args []string) {
	fs := afero.NewOsFs()

	m, err := manifest.Load(fs, genManifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if genPackage != "" {
		m.Package = genPackage
	}

	if err := manifest.Generate(fs, m, genOutPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d topic constants to %s\n", len(m.Topics), genOutPath)
}

func init() {
	topicsCmd.AddCommand(topicsGenCmd)
	topicsGenCmd.Flags().StringVar(&genManifestPath, "manifest", "topics.json", "path to the topics manifest")
	topicsGenCmd.Flags().StringVar(&genOutPath, "out", "topics_gen.go", "output file for the generated constants")
	topicsGenCmd.Flags().StringVar(&genPackage, "package", "", "package name for the generated file (overrides the manifest)")
}
