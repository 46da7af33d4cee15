package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/pipeline"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/source"
)

func writeFixture(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// testConfig describes two static sources that both know ACME.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	primary := writeFixture(t, dir, "primary.yaml", `
entities:
  ACME:
    labels: {name: Acme Corp}
    metrics: {revenue: 100}
`)
	secondary := writeFixture(t, dir, "secondary.yaml", `
entities:
  ACME:
    metrics: {revenue: 108}
`)
	return &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Sources: []config.SourceConfig{
			{Name: "primary", Adapter: "static", Channel: "api", Priority: 1, Enabled: true, Reliability: 90, Path: primary},
			{Name: "secondary", Adapter: "static", Channel: "api", Priority: 2, Enabled: true, Reliability: 85, DailyLimit: 100, Path: secondary},
		},
		Acquire:      config.AcquireConfig{FetchTimeoutSecs: 5},
		Ledger:       config.LedgerConfig{WindowHours: 168, DisableThreshold: 0.4, MinSample: 5, WeightFloor: 0.1, MaxErrorLen: 500},
		Validation:   config.ValidationConfig{CrossTolerance: 0.05, CalcTolerance: 0.05, ZScoreThreshold: 3, HistoryDepth: 8},
		Consensus:    config.ConsensusConfig{VarianceTolerance: 0.15},
		Cache:        config.CacheConfig{TTLHours: 24},
		Delta:        config.DeltaConfig{SignificantPct: 10, MaxRecords: 100},
		Housekeeping: config.HousekeepingConfig{IntervalSecs: 60},
	}
}

func newTestEnv(t *testing.T, c *config.Config) *appEnv {
	t.Helper()
	env, err := newEnv(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

// staticFetcher returns the fixture fetcher registered under name.
func staticFetcher(t *testing.T, env *appEnv, name string) *source.StaticFetcher {
	t.Helper()
	for _, e := range env.Registry.Dispatchable() {
		if e.Descriptor.Name == name {
			f, ok := e.Fetcher.(*source.StaticFetcher)
			require.True(t, ok)
			return f
		}
	}
	t.Fatalf("source %s not dispatchable", name)
	return nil
}

func TestNewEnv_Memory(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	assert.Nil(t, env.Store)
	assert.Nil(t, env.Redis)
	assert.Len(t, env.Registry.List(), 2)
	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Housekeeping)
	assert.Equal(t, 168, env.WindowHours)

	budgets, err := env.Governor.Budgets(context.Background())
	require.NoError(t, err)
	require.Len(t, budgets, 2)
}

func TestNewEnv_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Ledger.DisableThreshold = 2
	_, err := newEnv(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, resilience.KindConfiguration, resilience.KindOf(err))
}

func TestNewEnv_UnknownAdapter(t *testing.T) {
	c := testConfig(t)
	c.Sources[0].Adapter = "ftp"
	_, err := newEnv(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, resilience.KindConfiguration, resilience.KindOf(err))
}

func TestNewEnv_SQLitePersistsSourceToggles(t *testing.T) {
	c := testConfig(t)
	c.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "consensus.db")}

	env, err := newEnv(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, env.Store)
	require.NoError(t, env.Registry.Disable("secondary"))
	env.Close()

	env = newTestEnv(t, c)
	d, ok := env.Registry.Get("secondary")
	require.True(t, ok)
	assert.False(t, d.Enabled)
	p, _ := env.Registry.Get("primary")
	assert.True(t, p.Enabled)
}

func TestNewEnv_SQLiteKeepsConsensusAcrossRestarts(t *testing.T) {
	c := testConfig(t)
	c.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "consensus.db")}
	ctx := context.Background()

	env, err := newEnv(ctx, c)
	require.NoError(t, err)
	_, err = env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME"})
	require.NoError(t, err)
	env.Close()

	env = newTestEnv(t, c)
	staticFetcher(t, env, "primary").Set("ACME", source.StaticRecord{})
	resp, err := env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME"})
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.InDelta(t, 100.0, *resp.Record.Metrics.Revenue, 1e-9)

	attempts, err := env.Store.ListFetchAttempts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestNewEnv_RedisWritesThroughToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testConfig(t)
	c.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "consensus.db")}
	c.Redis = config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"}
	ctx := context.Background()

	env := newTestEnv(t, c)
	require.NotNil(t, env.Redis)
	_, err := env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME"})
	require.NoError(t, err)
	_, err = env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME", ForceRealtime: true})
	require.NoError(t, err)

	rec, err := env.Store.GetConsensus(ctx, "ACME", "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 100.0, *rec.Metrics.Revenue, 1e-9)

	hist, err := env.Store.ConsensusHistory(ctx, "ACME", "", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	assert.True(t, mr.Exists("test:record:"+rec.CacheKey()))
}
