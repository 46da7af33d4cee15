// Package validate scores a candidate metrics record with six independent
// checks and turns them into a verdict, a confidence and a recommendation.
package validate

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/model"
)

// Severity of a single check.
type Severity string

const (
	SeverityPass    Severity = "pass"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Recommendations, from worst to best.
const (
	RecDoNotUse      = "do not use"
	RecCaution       = "use with caution"
	RecLowConfidence = "low confidence, verify manually"
	RecModerate      = "moderate, cross-check recommended"
	RecHigh          = "high confidence"
)

// Check names.
const (
	CheckFreshness       = "freshness"
	CheckCredibility     = "credibility"
	CheckCrossValidation = "cross_validation"
	CheckAnomaly         = "anomaly"
	CheckCalculation     = "calculation"
	CheckConsistency     = "consistency"
)

// Candidate is the record under validation.
type Candidate struct {
	Source  string
	Metrics model.Metrics
	AsOf    time.Time
}

// Context carries what the checks compare against.
type Context struct {
	Now          time.Time
	Alternatives []Candidate
	History      []model.Metrics
}

// CheckResult is the outcome of one check. Confidence is nil when the check
// had nothing to evaluate.
type CheckResult struct {
	Name       string   `json:"name"`
	Severity   Severity `json:"severity"`
	Confidence *float64 `json:"confidence,omitempty"`
	Messages   []string `json:"messages,omitempty"`
}

// Result is the aggregated verdict.
type Result struct {
	Valid          bool          `json:"valid"`
	Confidence     float64       `json:"confidence"`
	Errors         []string      `json:"errors"`
	Warnings       []string      `json:"warnings"`
	Recommendation string        `json:"recommendation"`
	Checks         []CheckResult `json:"checks"`
}

// Config holds thresholds and field lists.
type Config struct {
	TrustedSources  []string
	CrossTolerance  float64
	CalcTolerance   float64
	ZScoreThreshold float64
	CriticalFields  []string
	CompareFields   []string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		TrustedSources:  []string{"sec_edgar", "fmp", "alphavantage", "bloomberg", "reuters", "refinitiv", "factset", "sp_capital_iq"},
		CrossTolerance:  0.05,
		CalcTolerance:   0.05,
		ZScoreThreshold: 3,
		CriticalFields:  []string{model.MetricRevenue, model.MetricMarketCap, model.MetricEBITDAMargin},
		CompareFields: []string{
			model.MetricRevenue, model.MetricEBITDA, model.MetricNetIncome, model.MetricMarketCap,
			model.MetricGrossMargin, model.MetricEBITDAMargin, model.MetricNetMargin,
		},
	}
}

// ConfigFrom converts the file configuration, keeping defaults for unset values.
func ConfigFrom(c config.ValidationConfig) Config {
	d := DefaultConfig()
	if len(c.TrustedSources) > 0 {
		d.TrustedSources = c.TrustedSources
	}
	if c.CrossTolerance > 0 {
		d.CrossTolerance = c.CrossTolerance
	}
	if c.CalcTolerance > 0 {
		d.CalcTolerance = c.CalcTolerance
	}
	if c.ZScoreThreshold > 0 {
		d.ZScoreThreshold = c.ZScoreThreshold
	}
	if len(c.CriticalFields) > 0 {
		d.CriticalFields = c.CriticalFields
	}
	if len(c.CompareFields) > 0 {
		d.CompareFields = c.CompareFields
	}
	return d
}

// Engine runs the checks. It is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates an engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Validate runs every check over c and aggregates them.
func (e *Engine) Validate(c Candidate, vctx Context) *Result {
	if vctx.Now.IsZero() {
		vctx.Now = time.Now()
	}
	checks := []CheckResult{
		e.freshness(c, vctx.Now),
		e.credibility(c),
		e.crossValidate(c, vctx.Alternatives),
		e.anomalies(c, vctx.History),
		e.calculations(c),
		e.consistency(c),
	}
	return aggregate(checks)
}

func aggregate(checks []CheckResult) *Result {
	res := &Result{Checks: checks, Errors: []string{}, Warnings: []string{}}

	var sum float64
	var n int
	for _, ch := range checks {
		if ch.Confidence != nil {
			sum += *ch.Confidence
			n++
		}
		switch ch.Severity {
		case SeverityError:
			res.Errors = append(res.Errors, ch.Messages...)
		case SeverityWarning:
			res.Warnings = append(res.Warnings, ch.Messages...)
		}
	}
	if n > 0 {
		res.Confidence = sum / float64(n)
	}
	res.Valid = len(res.Errors) == 0
	res.Recommendation = recommend(res)
	return res
}

func recommend(r *Result) string {
	switch {
	case len(r.Errors) > 0:
		return RecDoNotUse
	case len(r.Warnings) > 2:
		return RecCaution
	case r.Confidence < 70:
		return RecLowConfidence
	case r.Confidence < 85:
		return RecModerate
	default:
		return RecHigh
	}
}

func (e *Engine) freshness(c Candidate, now time.Time) CheckResult {
	res := CheckResult{Name: CheckFreshness}
	if c.AsOf.IsZero() {
		res.Severity = SeverityInfo
		res.Messages = []string{"record has no timestamp"}
		return res
	}

	age := now.Sub(c.AsOf)
	days := int(age.Hours() / 24)
	switch {
	case age > 365*24*time.Hour:
		res.Severity, res.Confidence = SeverityError, model.Float(30)
		res.Messages = []string{fmt.Sprintf("data is %d days old", days)}
	case age > 90*24*time.Hour:
		res.Severity, res.Confidence = SeverityWarning, model.Float(60)
		res.Messages = []string{fmt.Sprintf("data is %d days old", days)}
	case age > 30*24*time.Hour:
		res.Severity, res.Confidence = SeverityInfo, model.Float(80)
		res.Messages = []string{fmt.Sprintf("data is %d days old", days)}
	default:
		res.Severity, res.Confidence = SeverityPass, model.Float(100)
	}
	return res
}

func (e *Engine) credibility(c Candidate) CheckResult {
	if slices.Contains(e.cfg.TrustedSources, c.Source) {
		return CheckResult{Name: CheckCredibility, Severity: SeverityPass, Confidence: model.Float(95)}
	}
	return CheckResult{
		Name:       CheckCredibility,
		Severity:   SeverityInfo,
		Confidence: model.Float(70),
		Messages:   []string{fmt.Sprintf("source %q is not a recognised authority", c.Source)},
	}
}

func (e *Engine) crossValidate(c Candidate, alts []Candidate) CheckResult {
	res := CheckResult{Name: CheckCrossValidation, Severity: SeverityPass}
	if len(alts) == 0 {
		res.Severity = SeverityInfo
		res.Messages = []string{"no alternative sources to compare"}
		return res
	}

	compared := 0
	for _, field := range e.cfg.CompareFields {
		v, ok := c.Metrics.Get(field)
		if !ok {
			continue
		}
		for _, alt := range alts {
			av, ok := alt.Metrics.Get(field)
			if !ok {
				continue
			}
			compared++
			if d := relDiff(v, av); d > e.cfg.CrossTolerance {
				res.Messages = append(res.Messages,
					fmt.Sprintf("%s differs by %.1f%% from %s", field, d*100, alt.Source))
				break
			}
		}
	}
	if compared == 0 {
		res.Severity = SeverityInfo
		res.Messages = []string{"no overlapping fields with alternative sources"}
		return res
	}

	res.Confidence = model.Float(max(50, 100-15*float64(len(res.Messages))))
	if len(res.Messages) > 0 {
		res.Severity = SeverityWarning
	}
	return res
}

func (e *Engine) anomalies(c Candidate, history []model.Metrics) CheckResult {
	res := CheckResult{Name: CheckAnomaly, Severity: SeverityPass}
	m := &c.Metrics

	impossible := func(name string, bad func(float64) bool, why string) {
		if v, ok := m.Get(name); ok && bad(v) {
			res.Messages = append(res.Messages, fmt.Sprintf("%s %s (%g)", name, why, v))
		}
	}
	impossible(model.MetricRevenue, func(v float64) bool { return v < 0 }, "is negative")
	for _, margin := range []string{model.MetricGrossMargin, model.MetricOperatingMargin, model.MetricEBITDAMargin, model.MetricNetMargin} {
		impossible(margin, func(v float64) bool { return v > 100 }, "exceeds 100%")
	}
	impossible(model.MetricMarketCap, func(v float64) bool { return v <= 0 }, "is not positive")
	impossible(model.MetricCurrentRatio, func(v float64) bool { return v > 50 }, "exceeds 50")
	impossible(model.MetricDebtToEquity, func(v float64) bool { return v < 0 }, "is negative")

	for _, field := range e.cfg.CompareFields {
		v, ok := m.Get(field)
		if !ok {
			continue
		}
		if z, ok := zscore(v, field, history); ok && z > e.cfg.ZScoreThreshold {
			res.Messages = append(res.Messages, fmt.Sprintf("%s is a statistical outlier (z=%.1f)", field, z))
		}
	}

	if len(res.Messages) > 0 {
		res.Severity, res.Confidence = SeverityError, model.Float(20)
	} else {
		res.Confidence = model.Float(100)
	}
	return res
}

func (e *Engine) calculations(c Candidate) CheckResult {
	res := CheckResult{Name: CheckCalculation, Severity: SeverityPass}
	m := c.Metrics

	checked := 0
	verify := func(name string, reported *float64, derived float64) {
		if reported == nil {
			return
		}
		checked++
		if d := relDiff(*reported, derived); d > e.cfg.CalcTolerance {
			res.Messages = append(res.Messages,
				fmt.Sprintf("%s %g differs by %.1f%% from derived %g", name, *reported, d*100, derived))
		}
	}
	if m.Price != nil && m.SharesOutstanding != nil {
		price, shares := *m.Price, *m.SharesOutstanding
		verify(model.MetricMarketCap, m.MarketCap, price*shares)
	}
	if m.MarketCap != nil && m.TotalDebt != nil && m.Cash != nil {
		mcap, debt, cash := *m.MarketCap, *m.TotalDebt, *m.Cash
		verify(model.MetricEnterpriseValue, m.EnterpriseValue, mcap+debt-cash)
	}
	// freeCashFlow = operatingCF - capex with capex as a spend magnitude:
	// FMP reports capitalExpenditure negative, EDGAR's PaymentsToAcquire
	// concepts report it positive, and both mean the same outflow.
	if m.OperatingCashFlow != nil && m.CapitalExpenditure != nil {
		ocf, capex := *m.OperatingCashFlow, *m.CapitalExpenditure
		verify(model.MetricFreeCashFlow, m.FreeCashFlow, ocf-math.Abs(capex))
	}

	switch {
	case checked == 0:
		res.Severity = SeverityInfo
	case len(res.Messages) > 0:
		res.Severity, res.Confidence = SeverityWarning, model.Float(75)
	default:
		res.Confidence = model.Float(100)
	}
	return res
}

func (e *Engine) consistency(c Candidate) CheckResult {
	res := CheckResult{Name: CheckConsistency, Severity: SeverityPass}
	m := &c.Metrics
	conf := 100.0

	for _, field := range e.cfg.CriticalFields {
		if _, ok := m.Get(field); !ok {
			res.Messages = append(res.Messages, fmt.Sprintf("missing critical field %s", field))
			conf -= 15
		}
	}
	if m.GrossMargin != nil && m.NetMargin != nil && *m.GrossMargin < *m.NetMargin {
		res.Messages = append(res.Messages,
			fmt.Sprintf("gross margin %.1f%% below net margin %.1f%%", *m.GrossMargin, *m.NetMargin))
		conf -= 10
	}

	if len(res.Messages) > 0 {
		res.Severity = SeverityWarning
	}
	res.Confidence = model.Float(max(conf, 0))
	return res
}

// relDiff is |a-b| relative to the larger magnitude; 0 when both are zero.
func relDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}

// zscore of v against the field's history. Needs at least three points and
// a non-zero spread.
func zscore(v float64, field string, history []model.Metrics) (float64, bool) {
	var xs []float64
	for i := range history {
		if x, ok := history[i].Get(field); ok {
			xs = append(xs, x)
		}
	}
	if len(xs) < 3 {
		return 0, false
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	sd := math.Sqrt(ss / float64(len(xs)-1))
	if sd == 0 {
		return 0, false
	}
	return math.Abs(v-mean) / sd, true
}
