package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/governor"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/model"
)

var statsWindowHours int

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and toggle data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		return writeJSON(cmd.OutOrStdout(), env.Registry.List())
	},
}

// sourceStats is the payload of `sources stats` and GET /v1/sources/stats.
type sourceStats struct {
	WindowHours int                `json:"window_hours"`
	Stats       []model.SourceStat `json:"stats"`
	Budgets     []governor.Budget  `json:"budgets"`
}

func collectStats(ctx context.Context, env *appEnv, windowHours int) (sourceStats, error) {
	if windowHours <= 0 {
		windowHours = env.WindowHours
	}
	budgets, err := env.Governor.Budgets(ctx)
	if err != nil {
		return sourceStats{}, eris.Wrap(err, "read rate budgets")
	}
	if budgets == nil {
		budgets = []governor.Budget{}
	}
	return sourceStats{WindowHours: windowHours, Stats: env.Ledger.Stats(windowHours), Budgets: budgets}, nil
}

var sourcesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-source failure rates and remaining rate budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := collectStats(cmd.Context(), env, statsWindowHours)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func toggleCmd(use, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			name := args[0]
			if enable {
				err = env.Registry.Enable(name)
			} else {
				err = env.Registry.Disable(name)
			}
			if err != nil {
				return err
			}
			if env.Store == nil {
				zap.L().Warn("memory store configured, toggle lasts for this process only", zap.String("source", name))
			}
			d, _ := env.Registry.Get(name)
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
}

var sourcesAutotuneCmd = &cobra.Command{
	Use:   "autotune",
	Short: "Disable failing sources and re-enable recovered ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		changes, err := env.Ledger.AutoTune(cmd.Context())
		if err != nil {
			return err
		}
		if changes == nil {
			changes = []ledger.Change{}
		}
		return writeJSON(cmd.OutOrStdout(), changes)
	},
}

func init() {
	sourcesStatsCmd.Flags().IntVar(&statsWindowHours, "window", 0, "window in hours (default from config)")
	sourcesCmd.AddCommand(
		sourcesListCmd,
		sourcesStatsCmd,
		toggleCmd("enable", "Enable a source, clearing any auto-disable", true),
		toggleCmd("disable", "Disable a source", false),
		sourcesAutotuneCmd,
	)
	rootCmd.AddCommand(sourcesCmd)
}
