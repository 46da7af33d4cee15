package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/pipeline"
	"github.com/sells-group/consensus-cli/internal/source"
)

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)

	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Consensus(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)

	rr := do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME", Query: "Acme Corp lithium battery maker"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Record)
	assert.Equal(t, []string{"primary", "secondary"}, resp.Record.SourcesUsed)
	assert.InDelta(t, 100.0, *resp.Record.Metrics.Revenue, 1e-9)
	assert.False(t, resp.Record.HasVarianceFlag(model.MetricRevenue))
	assert.False(t, resp.FromCache)
	assert.NotNil(t, resp.Validation)
	assert.Len(t, resp.Outcomes, 2)

	rr = do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.FromCache)
}

func TestRouter_ConsensusErrors(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "malformed body", body: "{not json", wantCode: http.StatusBadRequest, wantErr: "invalid request body"},
		{name: "missing entity", body: pipeline.Request{EntityID: "  "}, wantCode: http.StatusBadRequest, wantErr: "entity"},
		{name: "no source knows entity", body: pipeline.Request{EntityID: "NOPE"}, wantCode: http.StatusNotFound, wantErr: "no data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/consensus", tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Contains(t, body["error"], tt.wantErr)
		})
	}
}

func TestRouter_NoDataCarriesOutcomes(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)

	rr := do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "NOPE"})
	require.Equal(t, http.StatusNotFound, rr.Code)

	var body noDataResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "no data", body.Error)
	assert.Len(t, body.Outcomes, 2)
}

func TestRouter_Sources(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)

	rr := do(t, h, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []model.SourceDescriptor
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "primary", list[0].Name)

	rr = do(t, h, http.MethodPost, "/v1/sources/secondary/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var d model.SourceDescriptor
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.False(t, d.Enabled)

	rr = do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME", ForceRealtime: true})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []string{"primary"}, resp.Record.SourcesUsed)

	rr = do(t, h, http.MethodPost, "/v1/sources/secondary/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.True(t, d.Enabled)

	rr = do(t, h, http.MethodPost, "/v1/sources/bogus/enable", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_SourceStats(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME"}).Code)

	rr := do(t, h, http.MethodGet, "/v1/sources/stats?window=24", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var out sourceStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, 24, out.WindowHours)
	assert.Len(t, out.Stats, 2)
	for _, st := range out.Stats {
		assert.Equal(t, 1, st.Attempts)
		assert.Zero(t, st.FailureRate)
	}

	var secondary bool
	for _, b := range out.Budgets {
		if b.Source == "secondary" {
			secondary = true
			assert.Equal(t, 1, b.DailyUsed)
			assert.Equal(t, 99, b.DailyRemaining)
		}
	}
	assert.True(t, secondary)

	rr = do(t, h, http.MethodGet, "/v1/sources/stats?window=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Deltas(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	h := buildRouter(env, nil)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME"}).Code)

	rev := 120.0
	staticFetcher(t, env, "primary").Set("ACME", source.StaticRecord{Metrics: model.Metrics{Revenue: &rev}})
	rr := do(t, h, http.MethodPost, "/v1/consensus", pipeline.Request{EntityID: "ACME", ForceRealtime: true})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/deltas/ACME", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var deltas []model.DeltaRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &deltas))
	require.Len(t, deltas, 1)
	assert.Equal(t, model.MetricRevenue, deltas[0].Metric)
	assert.True(t, deltas[0].Significant)
	assert.InDelta(t, 20.0, deltas[0].ChangePercent, 1e-9)

	rr = do(t, h, http.MethodGet, "/v1/deltas/OTHER", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/deltas/ACME?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), nil)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "consensus_source_enabled"))
}

func TestRouter_CORS(t *testing.T) {
	h := buildRouter(newTestEnv(t, testConfig(t)), []string{"https://dash.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/sources", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://dash.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
