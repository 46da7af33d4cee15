package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/cache"
	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/source"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type mockRetention struct{ mock.Mock }

func (m *mockRetention) PurgeFetchAttempts(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRetention) PurgeDeltas(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRetention) PurgeConsensusHistory(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func newLedger(t *testing.T) (*ledger.Ledger, *source.Registry) {
	t.Helper()
	reg := source.NewRegistry()
	require.NoError(t, reg.Register(model.SourceDescriptor{Name: "news", Channel: model.ChannelNews, Enabled: true, Reliability: 60},
		source.FetcherFunc(func(context.Context, source.Query) (*model.RawSourceRecord, error) { return nil, nil })))
	return ledger.New(ledger.DefaultConfig(), reg, ledger.WithNow(func() time.Time { return now })), reg
}

func TestRunOnce(t *testing.T) {
	led, reg := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, led.Track(ctx, model.FetchAttempt{Source: "news", At: now.Add(-time.Hour), Error: "parse"}))
	}
	require.NoError(t, led.Track(ctx, model.FetchAttempt{Source: "news", At: now.Add(-10 * 24 * time.Hour), Success: true}))

	cm := cache.New(nil, time.Hour, cache.WithNow(func() time.Time { return now }), cache.WithGrace(time.Hour))
	old := &model.ConsensusRecord{EntityID: "OLD", FetchedAt: now.Add(-48 * time.Hour)}
	_, err := cm.Put(ctx, old, 0)
	require.NoError(t, err)

	ret := &mockRetention{}
	ret.On("PurgeFetchAttempts", ctx, now.Add(-30*24*time.Hour)).Return(int64(7), nil)
	ret.On("PurgeDeltas", ctx, now.Add(-60*24*time.Hour)).Return(int64(2), nil)
	ret.On("PurgeConsensusHistory", ctx, now.Add(-365*24*time.Hour)).Return(int64(3), nil)

	r := New(DefaultConfig(), led, cm, WithRetention(ret), WithNow(func() time.Time { return now }))
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, rep.Toggled, 1)
	assert.Equal(t, "news", rep.Toggled[0].Source)
	assert.True(t, rep.Toggled[0].Disabled)
	assert.Equal(t, 1, rep.LedgerPruned)
	assert.Equal(t, 1, rep.CacheSwept)
	assert.Equal(t, int64(7), rep.FetchLogPurged)
	assert.Equal(t, int64(2), rep.DeltasPurged)
	assert.Equal(t, int64(3), rep.HistoryPurged)

	d, _ := reg.Get("news")
	assert.True(t, d.AutoDisabled)
	ret.AssertExpectations(t)
}

func TestRunOnce_ContinuesPastErrors(t *testing.T) {
	ret := &mockRetention{}
	ret.On("PurgeFetchAttempts", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))
	ret.On("PurgeDeltas", mock.Anything, mock.Anything).Return(int64(4), nil)
	ret.On("PurgeConsensusHistory", mock.Anything, mock.Anything).Return(int64(1), nil)

	r := New(DefaultConfig(), nil, nil, WithRetention(ret), WithNow(func() time.Time { return now }))
	rep, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "housekeeping: purge fetch log")
	assert.Equal(t, int64(4), rep.DeltasPurged)
	assert.Equal(t, int64(1), rep.HistoryPurged)
	ret.AssertExpectations(t)
}

func TestRunOnce_NothingConfigured(t *testing.T) {
	rep, err := New(DefaultConfig(), nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestRun_StopsOnCancel(t *testing.T) {
	led, _ := newLedger(t)
	r := New(Config{Interval: 10 * time.Millisecond}, led, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestConfigFrom(t *testing.T) {
	assert.Equal(t, DefaultConfig(), ConfigFrom(config.HousekeepingConfig{}))
	c := ConfigFrom(config.HousekeepingConfig{IntervalSecs: 60, FetchLogRetentionDays: 7, DeltaRetentionDays: 14, HistoryRetentionDays: 90})
	assert.Equal(t, time.Minute, c.Interval)
	assert.Equal(t, 7*24*time.Hour, c.FetchLogRetention)
	assert.Equal(t, 14*24*time.Hour, c.DeltaRetention)
	assert.Equal(t, 90*24*time.Hour, c.HistoryRetention)
}
