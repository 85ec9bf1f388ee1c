package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagewatch/internal/importer"
)

// newExportCmd creates the 'export' subcommand.
func newExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports recent items as JSON, Atom or RSS, or sources as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, format, output)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "one of json, atom, rss, yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func runExport(cmd *cobra.Command, format, output string) (err error) {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var write func(io.Writer) error
	switch format {
	case "json":
		write = func(w io.Writer) error { return a.Exporter.WriteJSON(ctx, w) }
	case "atom":
		write = func(w io.Writer) error { return a.Exporter.WriteAtom(ctx, w) }
	case "rss":
		write = func(w io.Writer) error { return a.Exporter.WriteRSS(ctx, w) }
	case "yaml":
		write = func(w io.Writer) error {
			sources, err := a.Repo.ListSources(ctx)
			if err != nil {
				return err
			}
			return importer.Write(w, sources)
		}
	default:
		return fmt.Errorf("unknown export format %q", format)
	}

	if output == "" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close export file: %w", cerr)
		}
	}()
	return write(f)
}
