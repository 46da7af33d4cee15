package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/pipeline"
)

func TestHousekeeping_AutoDisablesFailingSource(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, env.Ledger.Track(ctx, model.FetchAttempt{Source: "secondary", Error: "timeout"}))
	}

	rep, err := env.Housekeeping.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Toggled, 1)
	assert.Equal(t, "secondary", rep.Toggled[0].Source)

	resp, err := env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, resp.Record.SourcesUsed)
}

func TestHousekeeping_ManualEnableBringsSourceBack(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, env.Ledger.Track(ctx, model.FetchAttempt{Source: "secondary", Error: "timeout"}))
	}
	_, err := env.Housekeeping.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, env.Registry.Dispatchable(), 1)

	rr := do(t, buildRouter(env, nil), http.MethodPost, "/v1/sources/secondary/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rep, err := env.Housekeeping.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Toggled)

	resp, err := env.Pipeline.AcquireConsensus(ctx, pipeline.Request{EntityID: "ACME", ForceRealtime: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "secondary"}, resp.Record.SourcesUsed)
}
