package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagewatch/internal/cache"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const statsRecentRuns = 5

type statsReport struct {
	Sources      int              `json:"sources"`
	Cache        cache.Stats      `json:"cache"`
	ClearedCache int              `json:"cleared_cache,omitempty"`
	Settings     watch.Settings   `json:"settings"`
	RecentRuns   []watch.CheckRun `json:"recent_runs"`
}

// newStatsCmd creates the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	var clearExpired bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints source, cache and run statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, clearExpired)
		},
	}
	cmd.Flags().BoolVar(&clearExpired, "clear-expired", false, "drop expired page cache entries first")
	return cmd
}

func runStats(cmd *cobra.Command, clearExpired bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var report statsReport
	if clearExpired {
		report.ClearedCache, err = a.Cache.ClearExpired(ctx)
		if err != nil {
			return fmt.Errorf("clear expired cache: %w", err)
		}
	}
	sources, err := a.Repo.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	report.Sources = len(sources)
	if report.Cache, err = a.Cache.Stats(ctx); err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	if report.Settings, err = a.Settings.GetSettings(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if report.RecentRuns, err = a.Repo.ListRuns(ctx, statsRecentRuns, 0); err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if report.RecentRuns == nil {
		report.RecentRuns = []watch.CheckRun{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
