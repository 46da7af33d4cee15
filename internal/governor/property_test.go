package governor

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Remaining budget decreases monotonically with each recorded call and never
// goes negative.
func TestRemainingMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("remaining is monotone and non-negative", prop.ForAll(
		func(daily, hourly, calls int) bool {
			g, _ := newTestGovernor(monday)
			g.Register("src", Limits{Daily: daily, Hourly: hourly})
			ctx := context.Background()

			prevDaily, prevHourly := daily, hourly
			for i := 0; i < calls; i++ {
				if err := g.RecordCall(ctx, "src"); err != nil {
					return false
				}
				b, err := g.Remaining(ctx, "src")
				if err != nil {
					return false
				}
				if b.DailyRemaining < 0 || b.HourlyRemaining < 0 {
					return false
				}
				if b.DailyRemaining > prevDaily || b.HourlyRemaining > prevHourly {
					return false
				}
				if b.DailyUsed != i+1 {
					return false
				}
				prevDaily, prevHourly = b.DailyRemaining, b.HourlyRemaining
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 20),
		gen.IntRange(0, 80),
	))

	properties.TestingRun(t)
}
