// Package consensus merges per-source records into one consensus record.
// Each metric is taken from the highest-weighted source that reports it.
package consensus

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/validate"
)

// Config controls the builder.
type Config struct {
	// VarianceTolerance flags a metric when max/min exceeds 1+tolerance.
	VarianceTolerance float64
	// TTL sets the provisional expiry; the cache overrides it on Put.
	TTL time.Duration
}

// DefaultConfig returns a 15% tolerance and a 24h TTL.
func DefaultConfig() Config {
	return Config{VarianceTolerance: 0.15, TTL: 24 * time.Hour}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.ConsensusConfig, cache config.CacheConfig) Config {
	d := DefaultConfig()
	if c.VarianceTolerance > 0 {
		d.VarianceTolerance = c.VarianceTolerance
	}
	if ttl := cache.TTL(); ttl > 0 {
		d.TTL = ttl
	}
	return d
}

// Weigher supplies adaptive source weights.
type Weigher interface {
	AdaptiveWeight(base float64, source string) float64
}

// SourceValue is one source's value for a metric.
type SourceValue struct {
	Source string  `json:"source"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Resolution explains how one metric was decided.
type Resolution struct {
	Metric   string        `json:"metric"`
	Winner   SourceValue   `json:"winner"`
	Attempts []SourceValue `json:"attempts"`
	Flagged  bool          `json:"flagged"`
}

// Builder builds consensus records.
type Builder struct {
	cfg       Config
	weigher   Weigher
	validator *validate.Engine
	nowFunc   func() time.Time
	log       *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(b *Builder) { b.nowFunc = fn }
}

// NewBuilder creates a builder. A nil weigher uses declared reliability as is.
func NewBuilder(cfg Config, weigher Weigher, validator *validate.Engine, opts ...Option) *Builder {
	if validator == nil {
		validator = validate.New(validate.DefaultConfig())
	}
	b := &Builder{
		cfg:       cfg,
		weigher:   weigher,
		validator: validator,
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "consensus")),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type weighted struct {
	raw    *model.RawSourceRecord
	weight float64
}

// Build merges raws into a consensus record and validates it. history is the
// entity's prior consensus metrics, oldest first, used for outlier detection.
// With no usable raws it returns ErrInsufficientData and a nil record.
func (b *Builder) Build(_ context.Context, entityID, period string, raws []*model.RawSourceRecord, history ...model.Metrics) (*model.ConsensusRecord, *validate.Result, error) {
	if period == "" {
		period = model.DefaultPeriod
	}
	ranked := b.rank(raws)
	if len(ranked) == 0 {
		return nil, nil, resilience.New(resilience.KindInsufficientData, "",
			eris.Errorf("consensus: no records for %s", entityID))
	}

	resolutions, merged := b.resolve(ranked)

	now := b.nowFunc()
	rec := &model.ConsensusRecord{
		EntityID:      entityID,
		Period:        period,
		Metrics:       merged,
		FieldSources:  make(map[string]string, len(resolutions)),
		SourcesUsed:   []string{},
		VarianceFlags: []string{},
		FetchedAt:     now,
		ExpiresAt:     now.Add(b.cfg.TTL),
	}

	contributed := make(map[string]bool)
	var winningWeight float64
	for _, r := range resolutions {
		rec.FieldSources[r.Metric] = r.Winner.Source
		winningWeight += r.Winner.Weight
		for _, a := range r.Attempts {
			contributed[a.Source] = true
		}
		if r.Flagged {
			rec.VarianceFlags = append(rec.VarianceFlags, r.Metric)
		}
	}
	for _, w := range ranked {
		if contributed[w.raw.Source] {
			rec.SourcesUsed = append(rec.SourcesUsed, w.raw.Source)
		}
	}

	primary := ranked[0].raw
	alts := make([]validate.Candidate, 0, len(ranked)-1)
	for _, w := range ranked[1:] {
		alts = append(alts, validate.Candidate{Source: w.raw.Source, Metrics: w.raw.Metrics, AsOf: w.raw.Timestamp()})
	}
	vres := b.validator.Validate(
		validate.Candidate{Source: primary.Source, Metrics: merged, AsOf: primary.Timestamp()},
		validate.Context{Now: now, Alternatives: alts, History: history},
	)

	rec.Valid = vres.Valid
	rec.ConfidenceScore = Confidence(len(rec.SourcesUsed), winningWeight/float64(len(resolutions)), vres, len(rec.VarianceFlags))
	metrics.ConfidenceScore.Observe(rec.ConfidenceScore)

	b.log.Debug("consensus built",
		zap.String("entity", entityID),
		zap.Strings("sources", rec.SourcesUsed),
		zap.Strings("variance_flags", rec.VarianceFlags),
		zap.Float64("confidence", rec.ConfidenceScore),
		zap.Bool("valid", rec.Valid),
	)
	return rec, vres, nil
}

// Explain returns the per-metric resolutions for raws without validating.
func (b *Builder) Explain(raws []*model.RawSourceRecord) []Resolution {
	res, _ := b.resolve(b.rank(raws))
	return res
}

// rank drops empty records and orders the rest by adaptive weight, keeping
// input (priority) order on ties.
func (b *Builder) rank(raws []*model.RawSourceRecord) []weighted {
	out := make([]weighted, 0, len(raws))
	for _, r := range raws {
		if r == nil || r.Metrics.Len() == 0 {
			continue
		}
		w := r.Confidence
		if b.weigher != nil {
			w = b.weigher.AdaptiveWeight(r.Confidence, r.Source)
		}
		out = append(out, weighted{raw: r, weight: w})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].weight > out[j].weight })
	return out
}

func (b *Builder) resolve(ranked []weighted) ([]Resolution, model.Metrics) {
	var merged model.Metrics
	var out []Resolution
	for _, name := range model.MetricNames() {
		var attempts []SourceValue
		for _, w := range ranked {
			if v, ok := w.raw.Metrics.Get(name); ok {
				attempts = append(attempts, SourceValue{Source: w.raw.Source, Value: v, Weight: w.weight})
			}
		}
		if len(attempts) == 0 {
			continue
		}
		values := make([]float64, len(attempts))
		for i, a := range attempts {
			values[i] = a.Value
		}
		_ = merged.Set(name, attempts[0].Value)
		out = append(out, Resolution{
			Metric:   name,
			Winner:   attempts[0],
			Attempts: attempts,
			Flagged:  ExceedsTolerance(values, b.cfg.VarianceTolerance),
		})
	}
	return out, merged
}

// ExceedsTolerance reports whether values disagree beyond tol. Same-signed
// non-zero values use the max/min magnitude ratio; mixed signs or zeros use
// the spread relative to the largest magnitude.
func ExceedsTolerance(values []float64, tol float64) bool {
	if len(values) < 2 {
		return false
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	switch {
	case lo > 0:
		return hi/lo > 1+tol
	case hi < 0:
		return lo/hi > 1+tol
	}
	den := math.Max(math.Abs(lo), math.Abs(hi))
	if den == 0 {
		return false
	}
	return (hi-lo)/den > tol
}

// SourceFloor is the minimum confidence earned by n independent sources.
func SourceFloor(n int) float64 {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return 50
	case n == 2:
		return 65
	case n == 3:
		return 80
	default:
		return 90
	}
}

// Confidence scores a consensus record: the source floor or mean winning
// weight, whichever is higher, averaged with the validation confidence;
// capped at 40 when invalid and reduced by 5 per variance flag.
func Confidence(sources int, meanWeight float64, v *validate.Result, flags int) float64 {
	score := math.Max(SourceFloor(sources), meanWeight)
	if v != nil {
		score = (score + v.Confidence) / 2
		if !v.Valid {
			score = math.Min(score, 40)
		}
	}
	score -= 5 * float64(flags)
	return math.Max(0, math.Min(100, score))
}
