package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var housekeepingOnce bool

var housekeepingCmd = &cobra.Command{
	Use:   "housekeeping",
	Short: "Auto-tune sources and sweep expired cache entries and old logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if housekeepingOnce {
			rep, err := env.Housekeeping.RunOnce(ctx)
			if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
				return werr
			}
			return err
		}

		env.Housekeeping.Run(ctx)
		return nil
	},
}

func init() {
	housekeepingCmd.Flags().BoolVar(&housekeepingOnce, "once", false, "run a single pass and exit")
	rootCmd.AddCommand(housekeepingCmd)
}
