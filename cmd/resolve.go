package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/consensus-cli/internal/industry"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity> [context...]",
	Short: "Classify an entity into the industry ontology",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := industry.New(cfg.Industry)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), r.Resolve(args[0], strings.Join(args[1:], " ")))
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
