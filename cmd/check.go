package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// newCheckCmd creates the 'check' subcommand, which runs one check in the
// foreground and prints what it found.
func newCheckCmd() *cobra.Command {
	var dueOnly bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Checks every source once for new items",
		Long: `Fetches every tracked source, stores the items published inside the
configured window and prints the newest one per source. With --due-only,
only sources whose adaptive recheck interval has elapsed are fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, dueOnly)
		},
	}
	cmd.Flags().BoolVar(&dueOnly, "due-only", false, "only check sources whose recheck interval has elapsed")
	return cmd
}

func runCheck(cmd *cobra.Command, dueOnly bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	var updates []watch.Update
	if dueOnly {
		updates, err = checkDue(cmd.Context(), a)
	} else {
		updates, err = a.Checker.CheckAll(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("run check: %w", err)
	}
	return printUpdates(cmd.OutOrStdout(), updates, a.Opener)
}

// checkDue checks the sources that are due one by one. A failing source is
// logged and skipped.
func checkDue(ctx context.Context, a *app.App) ([]watch.Update, error) {
	due, err := a.Checker.DueSources(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := a.Settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("checking due sources", zap.Int("due", len(due)))

	var out []watch.Update
	for _, src := range due {
		found, err := a.Checker.CheckOne(ctx, src, settings.UpdateRangeDays)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			a.Logger.Warn("source check failed", zap.String("url", src.URL), zap.Error(err))
			continue
		}
		out = append(out, found...)
	}
	return out, nil
}

func printUpdates(w io.Writer, updates []watch.Update, opener watch.Opener) error {
	if len(updates) == 0 {
		_, err := fmt.Fprintln(w, "no new items")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTITLE\tPUBLISHED\tURL")
	for _, u := range updates {
		published := u.Item.RelativeTime
		if !u.Item.UploadTime.IsZero() {
			published = u.Item.UploadTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sourceLabel(u.Source), u.Item.Title, published, opener.ItemURL(u.Source, u.Item))
	}
	return tw.Flush()
}

func sourceLabel(src watch.Source) string {
	if src.Name != "" {
		return src.Name
	}
	return src.URL
}
