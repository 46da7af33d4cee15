package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/consensus-cli/internal/pipeline"
)

var (
	acquireEntity string
	acquireQuery  string
	acquirePeriod string
	acquireForce  bool
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Build the consensus record for one entity",
	Long:  "Serves the cached consensus record when fresh, otherwise queries every active source and builds a new one. Prints the response as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Pipeline.AcquireConsensus(ctx, pipeline.Request{
			EntityID:      acquireEntity,
			Query:         acquireQuery,
			ForceRealtime: acquireForce,
			Period:        acquirePeriod,
		})
		if resp != nil {
			if werr := writeJSON(cmd.OutOrStdout(), resp); werr != nil {
				return werr
			}
		}
		if err != nil {
			return eris.Wrapf(err, "acquire %s", acquireEntity)
		}
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	acquireCmd.Flags().StringVar(&acquireEntity, "entity", "", "entity identifier, usually a ticker or company name (required)")
	acquireCmd.Flags().StringVar(&acquireQuery, "query", "", "free-text query passed to news sources")
	acquireCmd.Flags().StringVar(&acquirePeriod, "period", "", "reporting period (default from config)")
	acquireCmd.Flags().BoolVar(&acquireForce, "force", false, "bypass the cache and fetch from sources")
	_ = acquireCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(acquireCmd)
}
