package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagewatch/internal/importer"
)

// newImportCmd creates the 'import' subcommand, which adds sources from a
// YAML file ("-" reads stdin).
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Imports sources from a YAML file",
		Long: `Reads a YAML document with a "sources" list (or a bare list) of
entries carrying url, name and avatar_url, and creates every source that is
not tracked yet. Pass "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open sources file: %w", err)
		}
		defer f.Close()
		in = f
	}
	res, err := importer.Import(cmd.Context(), a.Repo, in, a.Logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "created %d, skipped %d, invalid %d\n", res.Created, res.Skipped, len(res.Invalid))
	if len(res.Invalid) > 0 {
		fmt.Fprintf(out, "invalid entries: %s\n", strings.Join(res.Invalid, ", "))
	}
	return nil
}
