// Package ledger records fetch outcomes and turns them into source health:
// rolling failure rates, auto-disable with hysteresis, and adaptive weights.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
)

// Config controls the ledger.
type Config struct {
	// Window is the rolling window used by AutoTune and AdaptiveWeight.
	Window time.Duration
	// DisableThreshold is the failure rate above which a source is disabled.
	DisableThreshold float64
	// MinSample is the number of attempts required before disabling.
	MinSample int
	// WeightFloor is the minimum fraction of the base weight a source keeps.
	WeightFloor float64
	// MaxErrorLen truncates stored error text (runes).
	MaxErrorLen int
}

// DefaultConfig returns a 7-day window, 40% threshold over 5 attempts and a
// 10% weight floor.
func DefaultConfig() Config {
	return Config{
		Window:           7 * 24 * time.Hour,
		DisableThreshold: 0.40,
		MinSample:        5,
		WeightFloor:      0.10,
		MaxErrorLen:      500,
	}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.LedgerConfig) Config {
	d := DefaultConfig()
	if c.WindowHours > 0 {
		d.Window = time.Duration(c.WindowHours) * time.Hour
	}
	if c.DisableThreshold > 0 {
		d.DisableThreshold = c.DisableThreshold
	}
	if c.MinSample > 0 {
		d.MinSample = c.MinSample
	}
	if c.WeightFloor > 0 {
		d.WeightFloor = c.WeightFloor
	}
	if c.MaxErrorLen > 0 {
		d.MaxErrorLen = c.MaxErrorLen
	}
	return d
}

// Toggler is the part of the source registry the ledger drives.
type Toggler interface {
	Get(name string) (model.SourceDescriptor, bool)
	SetAutoDisabled(name string, disabled bool) (bool, error)
}

// Sink persists attempts.
type Sink interface {
	AppendFetchAttempts(ctx context.Context, attempts []model.FetchAttempt) error
}

// Loader reads persisted attempts.
type Loader interface {
	ListFetchAttempts(ctx context.Context, since time.Time) ([]model.FetchAttempt, error)
}

// Change is one auto-tune decision.
type Change struct {
	Source   string           `json:"source"`
	Disabled bool             `json:"disabled"`
	Stat     model.SourceStat `json:"stat"`
}

// Ledger is the append-only record of fetch attempts.
type Ledger struct {
	cfg      Config
	toggler  Toggler
	sink     Sink
	nowFunc  func() time.Time
	log      *zap.Logger
	mu       sync.Mutex
	attempts []model.FetchAttempt
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink persists every tracked attempt.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = fn }
}

// New creates a ledger driving toggler. toggler may be nil when only stats
// are needed.
func New(cfg Config, toggler Toggler, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:     cfg,
		toggler: toggler,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Track appends one attempt. The attempt is always kept in memory; a sink
// failure is returned but does not drop it.
func (l *Ledger) Track(ctx context.Context, a model.FetchAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = l.nowFunc()
	}
	a.Error = truncate(a.Error, l.cfg.MaxErrorLen)

	l.mu.Lock()
	l.attempts = append(l.attempts, a)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.AppendFetchAttempts(ctx, []model.FetchAttempt{a}); err != nil {
			return eris.Wrap(err, "ledger: persist attempt")
		}
	}
	return nil
}

// Stats returns per (source, category) stats over the last windowHours,
// sorted by failure rate descending.
func (l *Ledger) Stats(windowHours int) []model.SourceStat {
	since := l.nowFunc().Add(-time.Duration(windowHours) * time.Hour)
	type key struct{ source, category string }

	l.mu.Lock()
	agg := make(map[key]*model.SourceStat)
	for _, a := range l.attempts {
		if a.At.Before(since) {
			continue
		}
		k := key{a.Source, a.Category}
		st, ok := agg[k]
		if !ok {
			st = &model.SourceStat{Source: a.Source, Category: a.Category}
			agg[k] = st
		}
		add(st, a)
	}
	l.mu.Unlock()

	out := make([]model.SourceStat, 0, len(agg))
	for _, st := range agg {
		finish(st)
		st.Disabled = l.disabled(st.Source)
		out = append(out, *st)
	}
	sortStats(out)
	return out
}

// SourceStats aggregates every category of each source over the ledger window.
func (l *Ledger) SourceStats() map[string]model.SourceStat {
	since := l.nowFunc().Add(-l.cfg.Window)

	l.mu.Lock()
	agg := make(map[string]*model.SourceStat)
	for _, a := range l.attempts {
		if a.At.Before(since) {
			continue
		}
		st, ok := agg[a.Source]
		if !ok {
			st = &model.SourceStat{Source: a.Source}
			agg[a.Source] = st
		}
		add(st, a)
	}
	l.mu.Unlock()

	out := make(map[string]model.SourceStat, len(agg))
	for name, st := range agg {
		finish(st)
		out[name] = *st
	}
	return out
}

// sourceStat aggregates one source's attempts made at or after since.
func (l *Ledger) sourceStat(name string, since time.Time) model.SourceStat {
	st := model.SourceStat{Source: name}
	l.mu.Lock()
	for _, a := range l.attempts {
		if a.Source == name && !a.At.Before(since) {
			add(&st, a)
		}
	}
	l.mu.Unlock()
	finish(&st)
	return st
}

// FailureRate returns the failure rate of source over the ledger window, or
// 0 with no observations.
func (l *Ledger) FailureRate(source string) float64 {
	return l.SourceStats()[source].FailureRate
}

// AdaptiveWeight scales base by (1 - failure rate), never below the
// configured floor fraction of base.
func (l *Ledger) AdaptiveWeight(base float64, source string) float64 {
	w := base * (1 - l.FailureRate(source))
	return max(w, base*l.cfg.WeightFloor)
}

// AutoTune disables sources whose failure rate exceeds the threshold over at
// least MinSample attempts, and re-enables auto-disabled sources that are
// back at or below it. Manual disables are never touched. A source an
// operator re-enabled is judged only on attempts made since ResetAt.
func (l *Ledger) AutoTune(_ context.Context) ([]Change, error) {
	if l.toggler == nil {
		return nil, nil
	}
	stats := l.SourceStats()

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	// Auto-disabled sources with no recent attempts must still be reconsidered.
	if lister, ok := l.toggler.(interface{ List() []model.SourceDescriptor }); ok {
		for _, d := range lister.List() {
			if _, seen := stats[d.Name]; !seen && d.AutoDisabled {
				names = append(names, d.Name)
			}
		}
	}
	sort.Strings(names)

	cutoff := l.Cutoff()
	var changes []Change
	for _, name := range names {
		d, ok := l.toggler.Get(name)
		if !ok {
			continue
		}
		st := stats[name]
		st.Source = name
		if d.ResetAt.After(cutoff) {
			st = l.sourceStat(name, d.ResetAt)
		}

		tripped := st.Attempts >= l.cfg.MinSample && st.FailureRate > l.cfg.DisableThreshold
		switch {
		case tripped && !d.AutoDisabled:
			if _, err := l.toggler.SetAutoDisabled(name, true); err != nil {
				return changes, eris.Wrapf(err, "ledger: disable %s", name)
			}
			st.Disabled = true
			changes = append(changes, Change{Source: name, Disabled: true, Stat: st})
			metrics.AutoTuneToggles.WithLabelValues(name, "disable").Inc()
			l.log.Warn("auto-disabled source",
				zap.String("source", name),
				zap.Int("attempts", st.Attempts),
				zap.Float64("failure_rate", st.FailureRate),
			)
		case !tripped && d.AutoDisabled && st.FailureRate <= l.cfg.DisableThreshold:
			if _, err := l.toggler.SetAutoDisabled(name, false); err != nil {
				return changes, eris.Wrapf(err, "ledger: re-enable %s", name)
			}
			st.Disabled = !d.Enabled
			changes = append(changes, Change{Source: name, Disabled: false, Stat: st})
			metrics.AutoTuneToggles.WithLabelValues(name, "enable").Inc()
			l.log.Info("re-enabled source",
				zap.String("source", name),
				zap.Int("attempts", st.Attempts),
				zap.Float64("failure_rate", st.FailureRate),
			)
		}
	}
	return changes, nil
}

// Warm loads persisted attempts inside the window, replacing memory.
func (l *Ledger) Warm(ctx context.Context, loader Loader) error {
	attempts, err := loader.ListFetchAttempts(ctx, l.nowFunc().Add(-l.cfg.Window))
	if err != nil {
		return eris.Wrap(err, "ledger: warm")
	}
	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].At.Before(attempts[j].At) })

	l.mu.Lock()
	l.attempts = attempts
	l.mu.Unlock()
	l.log.Debug("ledger warmed", zap.Int("attempts", len(attempts)))
	return nil
}

// Cutoff returns the start of the current rolling window.
func (l *Ledger) Cutoff() time.Time {
	return l.nowFunc().Add(-l.cfg.Window)
}

// Prune drops in-memory attempts recorded before cutoff and returns how many
// were removed.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.attempts[:0]
	for _, a := range l.attempts {
		if !a.At.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(l.attempts) - len(kept)
	clear(l.attempts[len(kept):])
	l.attempts = kept
	return removed
}

// Len returns the number of attempts held in memory.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

func (l *Ledger) disabled(source string) bool {
	if l.toggler == nil {
		return false
	}
	d, ok := l.toggler.Get(source)
	return ok && !d.Active()
}

func add(st *model.SourceStat, a model.FetchAttempt) {
	st.Attempts++
	if a.Success {
		st.Successes++
	} else {
		st.Failures++
	}
}

func finish(st *model.SourceStat) {
	if st.Attempts > 0 {
		st.FailureRate = float64(st.Failures) / float64(st.Attempts)
	}
}

func sortStats(stats []model.SourceStat) {
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].FailureRate != stats[j].FailureRate {
			return stats[i].FailureRate > stats[j].FailureRate
		}
		if stats[i].Source != stats[j].Source {
			return stats[i].Source < stats[j].Source
		}
		return stats[i].Category < stats[j].Category
	})
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
