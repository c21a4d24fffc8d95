package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"

	"github.com/nfrund/remora/cmd/remora/internal/manifest"
	"github.com/nfrund/remora/cmd/remora/internal/vet"
)

var vetManifestPath string

// topicsVetCmd represents the topics vet command
var topicsVetCmd = &cobra.Command{
	Use:   "vet [packages]",
	Short: "Flag topic literals missing from the manifest",
	Long: `Load the given packages (./... by default) and report every string
literal passed to a subscribe-like call that the manifest does not
declare. A typo'd topic subscribes to silence; this catches it in CI
instead.

Examples:
  remora topics vet --manifest topics.json
  remora topics vet --manifest topics.json ./internal/...`,
	Run: topicsVetHandler,
}

func topicsVetHandler(cmd *cobra.Command, args []string) {
	m, err := manifest.Load(afero.NewOsFs(), vetManifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	declared := m.Names()

	patterns := args
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load packages: %v\n", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	var violations []vet.Violation
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			violations = append(violations, vet.ScanFile(pkg.Fset, file, declared)...)
		}
	}

	if len(violations) == 0 {
		fmt.Println("all topic literals are declared in the manifest")
		return
	}
	for _, v := range violations {
		fmt.Fprintln(os.Stderr, v)
	}
	fmt.Fprintf(os.Stderr, "\n%d undeclared topic literal(s)\n", len(violations))
	os.Exit(1)
}

func init() {
	topicsCmd.AddCommand(topicsVetCmd)
	topicsVetCmd.Flags().StringVar(&vetManifestPath, "manifest", "topics.json", "path to the topics manifest")
}
