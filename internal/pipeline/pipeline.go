// Package pipeline runs one consensus acquisition cycle: classify, consult
// the cache, fan out to sources, build and validate the consensus record,
// diff it against the previous one and write it back.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/acquire"
	"github.com/sells-group/consensus-cli/internal/cache"
	"github.com/sells-group/consensus-cli/internal/consensus"
	"github.com/sells-group/consensus-cli/internal/delta"
	"github.com/sells-group/consensus-cli/internal/industry"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/source"
	"github.com/sells-group/consensus-cli/internal/validate"
)

// DefaultHistoryDepth is how many prior records feed outlier detection.
const DefaultHistoryDepth = 12

// Request is one call to AcquireConsensus.
type Request struct {
	EntityID      string `json:"entity_id"`
	Query         string `json:"query,omitempty"`
	ForceRealtime bool   `json:"force_realtime,omitempty"`
	Period        string `json:"period,omitempty"`
}

// Response carries the consensus record and everything learned producing it.
// Record is nil only together with an InsufficientData error.
type Response struct {
	Record         *model.ConsensusRecord  `json:"record"`
	Validation     *validate.Result        `json:"validation,omitempty"`
	Deltas         []model.DeltaRecord     `json:"deltas"`
	FromCache      bool                    `json:"from_cache"`
	Stale          bool                    `json:"stale"`
	Classification industry.Classification `json:"classification"`
	Outcomes       []acquire.Outcome       `json:"outcomes,omitempty"`
}

// Acquirer fans a query out to the registered sources.
type Acquirer interface {
	Acquire(ctx context.Context, entityID string, q source.Query) (*acquire.Result, error)
}

// Classifier maps entity text to an industry.
type Classifier interface {
	Resolve(entityText, contextText string) industry.Classification
}

// Tuner re-evaluates source health after a cycle.
type Tuner interface {
	AutoTune(ctx context.Context) ([]ledger.Change, error)
}

// History supplies prior consensus metrics, oldest first.
type History interface {
	ConsensusHistory(ctx context.Context, entityID, period string, limit int) ([]model.Metrics, error)
}

// Deps are the collaborators of a Pipeline. Tuner and History are optional.
type Deps struct {
	Acquirer   Acquirer
	Builder    *consensus.Builder
	Cache      *cache.Manager
	Deltas     *delta.Tracker
	Classifier Classifier
	Validator  *validate.Engine
	Tuner      Tuner
	History    History
}

// Pipeline serves AcquireConsensus. Concurrent requests for the same entity
// and period share one acquisition.
type Pipeline struct {
	deps          Deps
	defaultPeriod string
	historyDepth  int
	nowFunc       func() time.Time
	group         flightGroup
	log           *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultPeriod sets the period used when a request names none.
func WithDefaultPeriod(p string) Option {
	return func(pl *Pipeline) {
		if p != "" {
			pl.defaultPeriod = p
		}
	}
}

// WithHistoryDepth sets how many prior records feed outlier detection.
func WithHistoryDepth(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.historyDepth = n
		}
	}
}

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(pl *Pipeline) { pl.nowFunc = fn }
}

// New creates a Pipeline.
func New(d Deps, opts ...Option) *Pipeline {
	if d.Validator == nil {
		d.Validator = validate.New(validate.DefaultConfig())
	}
	p := &Pipeline{
		deps:          d,
		defaultPeriod: model.DefaultPeriod,
		historyDepth:  DefaultHistoryDepth,
		nowFunc:       time.Now,
		log:           zap.L().With(zap.String("component", "pipeline")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AcquireConsensus returns the consensus record for req.EntityID. A fresh
// cached record is served unless ForceRealtime is set. When no source yields
// data, a previously cached record is returned flagged Stale; with nothing
// cached the error is InsufficientData and the response carries only the
// classification and per-source outcomes.
func (p *Pipeline) AcquireConsensus(ctx context.Context, req Request) (*Response, error) {
	entityID := strings.TrimSpace(req.EntityID)
	if entityID == "" {
		return nil, resilience.New(resilience.KindValidation, "", eris.New("pipeline: entity id is required"))
	}
	period := req.Period
	if period == "" {
		period = p.defaultPeriod
	}
	log := p.log.With(zap.String("entity", entityID), zap.String("period", period))
	class := p.deps.Classifier.Resolve(entityID, req.Query)

	if !req.ForceRealtime {
		lookup := p.lookup(ctx, log, entityID, period)
		if lookup.Hit && !lookup.Stale {
			log.Debug("serving cached consensus")
			return p.cached(lookup.Record, false, class, nil), nil
		}
	}

	key := model.CacheKey(entityID, period)
	resp, err, shared := p.group.do(ctx, key, func(fctx context.Context) (*Response, error) {
		return p.refresh(fctx, log, entityID, period, req.Query)
	})
	if shared {
		log.Debug("joined in-flight acquisition")
	}
	if resp == nil {
		resp = &Response{}
	}
	out := *resp
	out.Classification = class
	return &out, err
}

func (p *Pipeline) lookup(ctx context.Context, log *zap.Logger, entityID, period string) cache.Lookup {
	l, err := p.deps.Cache.Get(ctx, entityID, period)
	if err != nil {
		log.Warn("cache read failed, treating as miss", zap.Error(err))
		return cache.Lookup{}
	}
	return l
}

// cached wraps a cache hit, re-validating its metrics without alternatives.
func (p *Pipeline) cached(rec *model.ConsensusRecord, stale bool, class industry.Classification, outcomes []acquire.Outcome) *Response {
	v := p.deps.Validator.Validate(
		validate.Candidate{Source: rec.PrimarySource(), Metrics: rec.Metrics, AsOf: rec.FetchedAt},
		validate.Context{Now: p.nowFunc()},
	)
	return &Response{
		Record:         rec,
		Validation:     v,
		Deltas:         []model.DeltaRecord{},
		FromCache:      true,
		Stale:          stale,
		Classification: class,
		Outcomes:       outcomes,
	}
}

func (p *Pipeline) refresh(ctx context.Context, log *zap.Logger, entityID, period, query string) (*Response, error) {
	start := p.nowFunc()
	res, err := p.deps.Acquirer.Acquire(ctx, entityID, source.Query{EntityID: entityID, Text: query})
	var outcomes []acquire.Outcome
	if res != nil {
		outcomes = res.Outcomes
	}
	if err != nil {
		return p.fallback(ctx, log, entityID, period, outcomes, err)
	}

	history := p.history(ctx, log, entityID, period)
	rec, vres, err := p.deps.Builder.Build(ctx, entityID, period, res.Records, history...)
	if err != nil {
		return p.fallback(ctx, log, entityID, period, outcomes, err)
	}

	deltas, err := p.deps.Deltas.Diff(ctx, entityID, rec)
	if err != nil {
		log.Warn("delta tracking failed", zap.Error(err))
	}
	if deltas == nil {
		deltas = []model.DeltaRecord{}
	}

	if stored, err := p.deps.Cache.Put(ctx, rec, 0); err != nil {
		log.Warn("cache write failed", zap.Error(err))
	} else {
		rec = stored
	}

	p.autoTune(ctx, log)

	log.Info("consensus acquired",
		zap.Strings("sources", rec.SourcesUsed),
		zap.Float64("confidence", rec.ConfidenceScore),
		zap.Bool("valid", rec.Valid),
		zap.Int("deltas", len(deltas)),
		zap.Duration("elapsed", p.nowFunc().Sub(start)),
	)
	return &Response{
		Record:     rec,
		Validation: vres,
		Deltas:     deltas,
		Outcomes:   outcomes,
	}, nil
}

// fallback serves the last cached record, stale or not, when a cycle
// produced nothing. Without one the cycle error is returned.
func (p *Pipeline) fallback(ctx context.Context, log *zap.Logger, entityID, period string, outcomes []acquire.Outcome, cause error) (*Response, error) {
	p.autoTune(ctx, log)
	lookup := p.lookup(context.WithoutCancel(ctx), log, entityID, period)
	if lookup.Hit {
		log.Warn("acquisition produced no data, serving cached record",
			zap.Bool("stale", lookup.Stale), zap.Error(cause))
		return p.cached(lookup.Record, lookup.Stale, industry.Classification{}, outcomes), nil
	}
	log.Warn("acquisition produced no data", zap.Error(cause))
	return &Response{Deltas: []model.DeltaRecord{}, Outcomes: outcomes}, cause
}

func (p *Pipeline) history(ctx context.Context, log *zap.Logger, entityID, period string) []model.Metrics {
	if p.deps.History == nil {
		return nil
	}
	h, err := p.deps.History.ConsensusHistory(ctx, entityID, period, p.historyDepth)
	if err != nil {
		log.Warn("history lookup failed", zap.Error(err))
		return nil
	}
	return h
}

func (p *Pipeline) autoTune(ctx context.Context, log *zap.Logger) {
	if p.deps.Tuner == nil {
		return
	}
	if _, err := p.deps.Tuner.AutoTune(context.WithoutCancel(ctx)); err != nil {
		log.Warn("auto-tune failed", zap.Error(err))
	}
}
