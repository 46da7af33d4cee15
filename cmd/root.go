package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "consensus-cli",
	Short: "Multi-source financial consensus pipeline",
	Long:  "Fetches company metrics from several market data sources under rate limits, merges them into a validated consensus record, caches it and tracks changes over time.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
