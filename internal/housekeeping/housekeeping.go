// Package housekeeping runs the periodic maintenance of the pipeline: source
// auto-tuning, ledger pruning, cache sweeps and log retention.
package housekeeping

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/metrics"
)

// Config controls the sweep schedule and retention.
type Config struct {
	Interval          time.Duration
	FetchLogRetention time.Duration
	DeltaRetention    time.Duration
	HistoryRetention  time.Duration
}

// DefaultConfig runs every 5 minutes, keeping 30 days of fetch log, 60 days
// of deltas and a year of consensus history.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		FetchLogRetention: 30 * 24 * time.Hour,
		DeltaRetention:    60 * 24 * time.Hour,
		HistoryRetention:  365 * 24 * time.Hour,
	}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.HousekeepingConfig) Config {
	d := DefaultConfig()
	if c.IntervalSecs > 0 {
		d.Interval = time.Duration(c.IntervalSecs) * time.Second
	}
	if c.FetchLogRetentionDays > 0 {
		d.FetchLogRetention = time.Duration(c.FetchLogRetentionDays) * 24 * time.Hour
	}
	if c.DeltaRetentionDays > 0 {
		d.DeltaRetention = time.Duration(c.DeltaRetentionDays) * 24 * time.Hour
	}
	if c.HistoryRetentionDays > 0 {
		d.HistoryRetention = time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
	}
	return d
}

// Ledger is the failure ledger surface housekeeping drives.
type Ledger interface {
	AutoTune(ctx context.Context) ([]ledger.Change, error)
	Cutoff() time.Time
	Prune(cutoff time.Time) int
}

// Sweeper removes long-expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Retention purges old rows from the persisted logs.
type Retention interface {
	PurgeFetchAttempts(ctx context.Context, before time.Time) (int64, error)
	PurgeDeltas(ctx context.Context, before time.Time) (int64, error)
	PurgeConsensusHistory(ctx context.Context, before time.Time) (int64, error)
}

// Report summarises one pass.
type Report struct {
	Toggled        []ledger.Change `json:"toggled"`
	LedgerPruned   int             `json:"ledger_pruned"`
	CacheSwept     int             `json:"cache_swept"`
	FetchLogPurged int64           `json:"fetch_log_purged"`
	DeltasPurged   int64           `json:"deltas_purged"`
	HistoryPurged  int64           `json:"history_purged"`
	AlertsSent     int             `json:"alerts_sent"`
}

// Runner runs housekeeping passes in the background.
type Runner struct {
	cfg       Config
	ledger    Ledger
	sweeper   Sweeper
	retention Retention
	alerter   *Alerter
	nowFunc   func() time.Time
	log       *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetention enables log retention sweeps against a persistent store.
func WithRetention(r Retention) Option {
	return func(rn *Runner) { rn.retention = r }
}

// WithAlerter posts an alert for every source auto-tune toggles.
func WithAlerter(a *Alerter) Option {
	return func(rn *Runner) { rn.alerter = a }
}

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(rn *Runner) { rn.nowFunc = fn }
}

// New creates a Runner. Either collaborator may be nil.
func New(cfg Config, l Ledger, s Sweeper, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		ledger:  l,
		sweeper: s,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "housekeeping")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	r.log.Info("starting housekeeping",
		zap.Duration("interval", interval),
		zap.Duration("fetch_log_retention", r.cfg.FetchLogRetention),
		zap.Duration("delta_retention", r.cfg.DeltaRetention),
		zap.Duration("history_retention", r.cfg.HistoryRetention),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("housekeeping stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("housekeeping pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single pass. Every step runs even if an earlier one
// fails; the returned error joins all failures.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	if r.ledger != nil {
		changes, err := r.ledger.AutoTune(ctx)
		if err != nil {
			errs = append(errs, eris.Wrap(err, "housekeeping: auto-tune"))
		}
		rep.Toggled = changes
		if r.alerter != nil && len(changes) > 0 {
			rep.AlertsSent = r.alerter.SendAlerts(ctx, r.alerter.Evaluate(changes))
		}
		rep.LedgerPruned = r.ledger.Prune(r.ledger.Cutoff())
		metrics.SweepDeleted.WithLabelValues("ledger").Add(float64(rep.LedgerPruned))
	}

	if r.sweeper != nil {
		n, err := r.sweeper.Sweep(ctx)
		if err != nil {
			errs = append(errs, eris.Wrap(err, "housekeeping: cache sweep"))
		}
		rep.CacheSwept = n
	}

	if r.retention != nil {
		now := r.nowFunc()
		n, err := r.retention.PurgeFetchAttempts(ctx, now.Add(-r.cfg.FetchLogRetention))
		if err != nil {
			errs = append(errs, eris.Wrap(err, "housekeeping: purge fetch log"))
		}
		rep.FetchLogPurged = n
		metrics.SweepDeleted.WithLabelValues("fetch_log").Add(float64(n))

		n, err = r.retention.PurgeDeltas(ctx, now.Add(-r.cfg.DeltaRetention))
		if err != nil {
			errs = append(errs, eris.Wrap(err, "housekeeping: purge deltas"))
		}
		rep.DeltasPurged = n
		metrics.SweepDeleted.WithLabelValues("delta_log").Add(float64(n))

		n, err = r.retention.PurgeConsensusHistory(ctx, now.Add(-r.cfg.HistoryRetention))
		if err != nil {
			errs = append(errs, eris.Wrap(err, "housekeeping: purge consensus history"))
		}
		rep.HistoryPurged = n
		metrics.SweepDeleted.WithLabelValues("consensus_history").Add(float64(n))
	}

	r.log.Info("housekeeping pass complete",
		zap.Int("toggled", len(rep.Toggled)),
		zap.Int("ledger_pruned", rep.LedgerPruned),
		zap.Int("cache_swept", rep.CacheSwept),
		zap.Int64("fetch_log_purged", rep.FetchLogPurged),
		zap.Int64("deltas_purged", rep.DeltasPurged),
		zap.Int64("history_purged", rep.HistoryPurged),
	)
	return rep, errors.Join(errs...)
}
