// Package acquire fans an entity query out to every active source and
// collects whatever comes back.
package acquire

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/consensus-cli/internal/governor"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/source"
)

// DefaultTimeout bounds a single source call.
const DefaultTimeout = 15 * time.Second

// Status is the per-source result of one acquisition cycle.
type Status string

const (
	StatusFetched Status = "fetched"
	StatusEmpty   Status = "empty"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome describes what happened with one source.
type Outcome struct {
	Source    string        `json:"source"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Transient bool          `json:"transient,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Result is everything gathered for one entity.
type Result struct {
	EntityID string                   `json:"entity_id"`
	Records  []*model.RawSourceRecord `json:"records"`
	Outcomes []Outcome                `json:"outcomes"`
}

// Sources is the slice of the registry the orchestrator reads.
type Sources interface {
	Dispatchable() []source.Entry
}

// Governor approves and records calls.
type Governor interface {
	CanProceed(ctx context.Context, source string) governor.Decision
	RecordCall(ctx context.Context, source string) error
}

// Tracker receives fetch attempts.
type Tracker interface {
	Track(ctx context.Context, a model.FetchAttempt) error
}

// Orchestrator runs acquisition cycles.
type Orchestrator struct {
	sources Sources
	gov     Governor
	tracker Tracker
	timeout time.Duration
	nowFunc func() time.Time
	log     *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFunc = fn }
}

// New creates an orchestrator.
func New(sources Sources, gov Governor, tracker Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources: sources,
		gov:     gov,
		tracker: tracker,
		timeout: DefaultTimeout,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "acquire")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Acquire queries every active source concurrently. Per-source failures are
// absorbed into outcomes and the ledger. Records are returned in source
// priority order. When nothing was gathered the error is InsufficientData,
// or the caller's context error if the cycle was cancelled.
func (o *Orchestrator) Acquire(ctx context.Context, entityID string, q source.Query) (*Result, error) {
	if q.EntityID == "" {
		q.EntityID = entityID
	}
	entries := o.sources.Dispatchable()
	log := o.log.With(zap.String("entity", entityID), zap.Int("sources", len(entries)))
	log.Debug("acquisition started")

	records := make([]*model.RawSourceRecord, len(entries))
	outcomes := make([]Outcome, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			records[i], outcomes[i] = o.fetchOne(ctx, e, entityID, q)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{EntityID: entityID, Outcomes: outcomes}
	for _, r := range records {
		if r != nil {
			res.Records = append(res.Records, r)
		}
	}

	log.Info("acquisition finished", zap.Int("records", len(res.Records)))
	if len(res.Records) > 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, eris.Wrapf(err, "acquire: %s cancelled", entityID)
	}
	return res, resilience.New(resilience.KindInsufficientData, "",
		eris.Errorf("acquire: no source returned data for %s", entityID))
}

func (o *Orchestrator) fetchOne(ctx context.Context, e source.Entry, entityID string, q source.Query) (*model.RawSourceRecord, Outcome) {
	d := e.Descriptor
	out := Outcome{Source: d.Name}
	log := o.log.With(zap.String("source", d.Name), zap.String("entity", entityID))

	if dec := o.gov.CanProceed(ctx, d.Name); !dec.Allowed {
		out.Status = StatusSkipped
		out.Reason = dec.Reason
		metrics.FetchTotal.WithLabelValues(d.Name, string(StatusSkipped)).Inc()
		log.Debug("source skipped", zap.String("reason", dec.Reason))
		return nil, out
	}

	fctx, cancel := context.WithTimeout(ctx, o.timeout)
	start := o.nowFunc()
	rec, err := e.Fetcher.Fetch(fctx, q)
	timedOut := fctx.Err() == context.DeadlineExceeded
	cancel()
	out.Duration = o.nowFunc().Sub(start)
	metrics.FetchDuration.WithLabelValues(d.Name).Observe(out.Duration.Seconds())

	attempt := model.FetchAttempt{
		Source:   d.Name,
		Category: d.Category,
		EntityID: entityID,
		Duration: out.Duration,
	}

	if err != nil {
		out.Status = StatusFailed
		out.Reason = err.Error()
		metrics.FetchTotal.WithLabelValues(d.Name, string(StatusFailed)).Inc()

		// Caller cancellation says nothing about the source.
		if ctx.Err() != nil {
			out.Reason = "cancelled"
			return nil, out
		}
		out.Transient = timedOut || resilience.IsTransient(err)
		attempt.Error = err.Error()
		attempt.Transient = out.Transient
		o.track(ctx, log, attempt)
		log.Warn("source fetch failed", zap.Error(err), zap.Bool("transient", out.Transient))
		return nil, out
	}

	if err := o.gov.RecordCall(ctx, d.Name); err != nil {
		log.Warn("record call failed", zap.Error(err))
	}
	attempt.Success = true
	o.track(ctx, log, attempt)

	if rec == nil || rec.Metrics.Len() == 0 {
		out.Status = StatusEmpty
		metrics.FetchTotal.WithLabelValues(d.Name, string(StatusEmpty)).Inc()
		return nil, out
	}

	rec.Source = d.Name
	rec.EntityID = entityID
	rec.Confidence = d.Reliability
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = o.nowFunc()
	}
	out.Status = StatusFetched
	metrics.FetchTotal.WithLabelValues(d.Name, string(StatusFetched)).Inc()
	return rec, out
}

func (o *Orchestrator) track(ctx context.Context, log *zap.Logger, a model.FetchAttempt) {
	if o.tracker == nil {
		return
	}
	// The attempt is recorded even if the caller is already gone.
	if err := o.tracker.Track(context.WithoutCancel(ctx), a); err != nil {
		log.Warn("track attempt failed", zap.Error(err))
	}
}
