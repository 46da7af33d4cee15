package governor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(start time.Time) (*Governor, *fakeClock) {
	clk := &fakeClock{t: start}
	return New(WithNow(clk.now)), clk
}

var monday = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

func TestCanProceed_UnknownSourceAllowed(t *testing.T) {
	g, _ := newTestGovernor(monday)
	ctx := context.Background()

	d := g.CanProceed(ctx, "nobody")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	require.NoError(t, g.RecordCall(ctx, "nobody"))
}

func TestCanProceed_NoCallsYet(t *testing.T) {
	g, _ := newTestGovernor(monday)
	g.Register("fmp", Limits{Daily: 3})

	assert.True(t, g.CanProceed(context.Background(), "fmp").Allowed)

	b, err := g.Remaining(context.Background(), "fmp")
	require.NoError(t, err)
	assert.Equal(t, 3, b.DailyRemaining)
	assert.Equal(t, 0, b.DailyUsed)
}

func TestDailyLimit(t *testing.T) {
	g, clk := newTestGovernor(monday)
	g.Register("fmp", Limits{Daily: 2})
	ctx := context.Background()

	require.NoError(t, g.RecordCall(ctx, "fmp"))
	assert.True(t, g.CanProceed(ctx, "fmp").Allowed)
	require.NoError(t, g.RecordCall(ctx, "fmp"))

	d := g.CanProceed(ctx, "fmp")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "daily limit 2")

	// Resets at midnight.
	clk.advance(14 * time.Hour)
	assert.True(t, g.CanProceed(ctx, "fmp").Allowed)
}

func TestHourlyLimit(t *testing.T) {
	g, clk := newTestGovernor(monday)
	g.Register("newsapi", Limits{Daily: 100, Hourly: 1})
	ctx := context.Background()

	require.NoError(t, g.RecordCall(ctx, "newsapi"))
	d := g.CanProceed(ctx, "newsapi")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hourly")

	clk.advance(45 * time.Minute) // 11:00
	assert.True(t, g.CanProceed(ctx, "newsapi").Allowed)

	b, err := g.Remaining(ctx, "newsapi")
	require.NoError(t, err)
	assert.Equal(t, 99, b.DailyRemaining)
	assert.Equal(t, 1, b.HourlyRemaining)
}

func TestPerMinuteLimit(t *testing.T) {
	g, clk := newTestGovernor(monday)
	g.Register("alphavantage", Limits{PerMinute: 2})
	ctx := context.Background()

	require.NoError(t, g.RecordCall(ctx, "alphavantage"))
	require.NoError(t, g.RecordCall(ctx, "alphavantage"))

	d := g.CanProceed(ctx, "alphavantage")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-minute")

	clk.advance(30 * time.Second)
	assert.True(t, g.CanProceed(ctx, "alphavantage").Allowed)
}

func TestCanProceedDoesNotConsume(t *testing.T) {
	g, _ := newTestGovernor(monday)
	g.Register("fmp", Limits{Daily: 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, g.CanProceed(ctx, "fmp").Allowed)
	}
	b, err := g.Remaining(ctx, "fmp")
	require.NoError(t, err)
	assert.Equal(t, 1, b.DailyRemaining)
}

func TestRemainingNeverNegative(t *testing.T) {
	g, _ := newTestGovernor(monday)
	g.Register("fmp", Limits{Daily: 2, Hourly: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordCall(ctx, "fmp"))
	}
	b, err := g.Remaining(ctx, "fmp")
	require.NoError(t, err)
	assert.Equal(t, 5, b.DailyUsed)
	assert.Equal(t, 0, b.DailyRemaining)
	assert.Equal(t, 0, b.HourlyRemaining)
}

func TestRegisterDescriptors(t *testing.T) {
	g, _ := newTestGovernor(monday)
	g.RegisterDescriptors([]model.SourceDescriptor{
		{Name: "b", DailyLimit: 10},
		{Name: "a", DailyLimit: 5, HourlyLimit: 2},
	})

	budgets, err := g.Budgets(context.Background())
	require.NoError(t, err)
	require.Len(t, budgets, 2)
	assert.Equal(t, "a", budgets[0].Source)
	assert.Equal(t, 2, budgets[0].HourlyRemaining)
	assert.Equal(t, 10, budgets[1].DailyRemaining)
}

type failingCounter struct{}

func (failingCounter) Get(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingCounter) Incr(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("connection refused")
}

func TestCounterFailureAllows(t *testing.T) {
	g := New(WithCounter(failingCounter{}))
	g.Register("fmp", Limits{Daily: 1})
	ctx := context.Background()

	assert.True(t, g.CanProceed(ctx, "fmp").Allowed)
	assert.Error(t, g.RecordCall(ctx, "fmp"))
	_, err := g.Remaining(ctx, "fmp")
	assert.Error(t, err)
}

func TestMemoryCounter_Expiry(t *testing.T) {
	clk := &fakeClock{t: monday}
	c := NewMemoryCounter(clk.now)
	ctx := context.Background()

	n, err := c.Incr(ctx, "k", monday.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = c.Incr(ctx, "k", monday.Add(time.Minute))
	assert.Equal(t, 2, n)

	clk.advance(time.Minute)
	n, _ = c.Get(ctx, "k")
	assert.Equal(t, 0, n)

	n, _ = c.Incr(ctx, "k", monday.Add(2*time.Minute))
	assert.Equal(t, 1, n)
}

func TestWindowBoundaries(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2026, 3, 2, 23, 40, 0, 0, loc)

	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, loc), nextMidnight(now))
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, loc), nextHour(now))
	assert.Equal(t, "fmp:d:2026-03-02", dailyKey("fmp", now))
	assert.Equal(t, "fmp:h:2026-03-02T23", hourlyKey("fmp", now))
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("CONSENSUS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONSENSUS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	prefix := "consensus-test-" + time.Now().Format("150405.000000")
	c := NewRedisCounter(client, prefix)

	n, err := c.Get(ctx, "fmp:d:today")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Incr(ctx, "fmp:d:today", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Get(ctx, "fmp:d:today")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ttl, err := client.TTL(ctx, prefix+":rate:fmp:d:today").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
