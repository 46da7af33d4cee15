package consensus

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
)

// A metric is flagged exactly when the max/min ratio of its positive
// contributing values exceeds 1.15.
func TestVarianceFlagProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	b := newBuilder(nil)

	properties.Property("flag iff ratio > 1.15", prop.ForAll(
		func(a, c float64) bool {
			rec, _, err := b.Build(context.Background(), "ACME", "", []*model.RawSourceRecord{
				raw("fmp", 90, map[string]float64{model.MetricRevenue: a}),
				raw("alphavantage", 85, map[string]float64{model.MetricRevenue: c}),
			})
			if err != nil {
				return false
			}
			ratio := math.Max(a, c) / math.Min(a, c)
			return rec.HasVarianceFlag(model.MetricRevenue) == (ratio > 1.15)
		},
		gen.Float64Range(1, 1e6),
		gen.Float64Range(1, 1e6),
	))

	properties.TestingRun(t)
}

// Inputs without any metric never produce a record.
func TestEmptyInputProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	b := newBuilder(nil)

	properties.Property("no metrics means insufficient data", prop.ForAll(
		func(n int) bool {
			raws := make([]*model.RawSourceRecord, n)
			for i := range raws {
				raws[i] = raw("src", 80, nil)
			}
			rec, _, err := b.Build(context.Background(), "ACME", "", raws)
			return rec == nil && errors.Is(err, resilience.ErrInsufficientData)
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
