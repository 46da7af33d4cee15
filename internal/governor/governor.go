// Package governor enforces per-source call budgets.
package governor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
)

// Limits are the declared budgets of one source. Zero means unlimited.
type Limits struct {
	PerMinute int
	Daily     int
	Hourly    int
}

// Decision is the answer to CanProceed.
type Decision struct {
	Allowed bool
	Reason  string
}

// Budget is the remaining capacity of one source.
type Budget struct {
	Source          string `json:"source"`
	DailyUsed       int    `json:"daily_used"`
	DailyLimit      int    `json:"daily_limit"`
	DailyRemaining  int    `json:"daily_remaining"`
	HourlyUsed      int    `json:"hourly_used"`
	HourlyLimit     int    `json:"hourly_limit,omitempty"`
	HourlyRemaining int    `json:"hourly_remaining,omitempty"`
}

// Governor approves or blocks calls against daily, hourly and per-minute budgets.
type Governor struct {
	mu       sync.Mutex
	limits   map[string]Limits
	limiters map[string]*rate.Limiter
	counter  Counter
	nowFunc  func() time.Time
	log      *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(g *Governor) { g.nowFunc = fn }
}

// WithCounter replaces the in-process counter, e.g. with a RedisCounter.
func WithCounter(c Counter) Option {
	return func(g *Governor) { g.counter = c }
}

// New creates a Governor. Without WithCounter state is process-local.
func New(opts ...Option) *Governor {
	g := &Governor{
		limits:   make(map[string]Limits),
		limiters: make(map[string]*rate.Limiter),
		nowFunc:  time.Now,
		log:      zap.L().With(zap.String("component", "governor")),
	}
	for _, o := range opts {
		o(g)
	}
	if g.counter == nil {
		g.counter = NewMemoryCounter(g.nowFunc)
	}
	return g
}

// Register declares the budgets for a source, replacing any previous ones.
func (g *Governor) Register(source string, l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.limits[source] = l
	if l.PerMinute > 0 {
		g.limiters[source] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.PerMinute)), l.PerMinute)
	} else {
		delete(g.limiters, source)
	}
}

// RegisterDescriptors registers the budgets of every descriptor.
func (g *Governor) RegisterDescriptors(ds []model.SourceDescriptor) {
	for _, d := range ds {
		g.Register(d.Name, Limits{PerMinute: d.RatePerMinute, Daily: d.DailyLimit, Hourly: d.HourlyLimit})
	}
}

func (g *Governor) lookup(source string) (Limits, *rate.Limiter, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limits[source]
	return l, g.limiters[source], ok
}

// CanProceed reports whether a call to source fits its budgets. It does not
// consume budget. Unknown sources and counter failures are allowed.
func (g *Governor) CanProceed(ctx context.Context, source string) Decision {
	l, lim, ok := g.lookup(source)
	if !ok {
		return Decision{Allowed: true}
	}
	now := g.nowFunc()

	if l.Daily > 0 {
		n, err := g.counter.Get(ctx, dailyKey(source, now))
		if err != nil {
			g.log.Warn("daily counter unavailable, allowing call", zap.String("source", source), zap.Error(err))
		} else if n >= l.Daily {
			metrics.RateLimited.WithLabelValues(source, "daily").Inc()
			return Decision{Reason: fmt.Sprintf("daily limit %d reached", l.Daily)}
		}
	}
	if l.Hourly > 0 {
		n, err := g.counter.Get(ctx, hourlyKey(source, now))
		if err != nil {
			g.log.Warn("hourly counter unavailable, allowing call", zap.String("source", source), zap.Error(err))
		} else if n >= l.Hourly {
			metrics.RateLimited.WithLabelValues(source, "hourly").Inc()
			return Decision{Reason: fmt.Sprintf("hourly limit %d reached", l.Hourly)}
		}
	}
	if lim != nil && lim.TokensAt(now) < 1 {
		metrics.RateLimited.WithLabelValues(source, "minute").Inc()
		return Decision{Reason: fmt.Sprintf("per-minute limit %d reached", l.PerMinute)}
	}
	return Decision{Allowed: true}
}

// RecordCall counts one call against every window of source. Each call is
// counted exactly once.
func (g *Governor) RecordCall(ctx context.Context, source string) error {
	l, lim, ok := g.lookup(source)
	if !ok {
		return nil
	}
	now := g.nowFunc()

	if lim != nil {
		lim.AllowN(now, 1)
	}
	if l.Daily > 0 {
		if _, err := g.counter.Incr(ctx, dailyKey(source, now), nextMidnight(now)); err != nil {
			return err
		}
	}
	if l.Hourly > 0 {
		if _, err := g.counter.Incr(ctx, hourlyKey(source, now), nextHour(now)); err != nil {
			return err
		}
	}
	return nil
}

// Remaining returns the current budget of source. Remaining values never go
// below zero.
func (g *Governor) Remaining(ctx context.Context, source string) (Budget, error) {
	l, _, _ := g.lookup(source)
	now := g.nowFunc()
	b := Budget{Source: source, DailyLimit: l.Daily, HourlyLimit: l.Hourly}

	if l.Daily > 0 {
		n, err := g.counter.Get(ctx, dailyKey(source, now))
		if err != nil {
			return b, err
		}
		b.DailyUsed = n
		b.DailyRemaining = max(l.Daily-n, 0)
	}
	if l.Hourly > 0 {
		n, err := g.counter.Get(ctx, hourlyKey(source, now))
		if err != nil {
			return b, err
		}
		b.HourlyUsed = n
		b.HourlyRemaining = max(l.Hourly-n, 0)
	}
	return b, nil
}

// Budgets returns the budget of every registered source, sorted by name.
func (g *Governor) Budgets(ctx context.Context) ([]Budget, error) {
	g.mu.Lock()
	names := make([]string, 0, len(g.limits))
	for name := range g.limits {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)

	out := make([]Budget, 0, len(names))
	for _, name := range names {
		b, err := g.Remaining(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func dailyKey(source string, now time.Time) string {
	return source + ":d:" + now.Format("2006-01-02")
}

func hourlyKey(source string, now time.Time) string {
	return source + ":h:" + now.Format("2006-01-02T15")
}

// nextMidnight is the next local midnight after now.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// nextHour is the top of the next local hour.
func nextHour(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, now.Hour()+1, 0, 0, 0, now.Location())
}
