package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnknownMetric is returned when a metric name is not part of the schema.
var ErrUnknownMetric = eris.New("model: unknown metric")

// Metric names. Margins and growth rates are expressed in percent (23.5 = 23.5%).
const (
	MetricRevenue            = "revenue"
	MetricGrossProfit        = "grossProfit"
	MetricEBITDA             = "ebitda"
	MetricOperatingIncome    = "operatingIncome"
	MetricNetIncome          = "netIncome"
	MetricGrossMargin        = "grossMargin"
	MetricOperatingMargin    = "operatingMargin"
	MetricEBITDAMargin       = "ebitdaMargin"
	MetricNetMargin          = "netMargin"
	MetricRevenueGrowth      = "revenueGrowth"
	MetricMarketCap          = "marketCap"
	MetricEnterpriseValue    = "enterpriseValue"
	MetricPrice              = "price"
	MetricSharesOutstanding  = "sharesOutstanding"
	MetricPERatio            = "peRatio"
	MetricPBRatio            = "pbRatio"
	MetricPSRatio            = "psRatio"
	MetricEVToEBITDA         = "evToEbitda"
	MetricCurrentRatio       = "currentRatio"
	MetricQuickRatio         = "quickRatio"
	MetricDebtToEquity       = "debtToEquity"
	MetricTotalDebt          = "totalDebt"
	MetricCash               = "cash"
	MetricOperatingCashFlow  = "operatingCashFlow"
	MetricCapitalExpenditure = "capitalExpenditure"
	MetricFreeCashFlow       = "freeCashFlow"
)

// Metrics is the typed set of financial metrics for one entity. Every field is
// optional; nil means the metric was not reported.
type Metrics struct {
	Revenue            *float64 `json:"revenue,omitempty"`
	GrossProfit        *float64 `json:"grossProfit,omitempty"`
	EBITDA             *float64 `json:"ebitda,omitempty"`
	OperatingIncome    *float64 `json:"operatingIncome,omitempty"`
	NetIncome          *float64 `json:"netIncome,omitempty"`
	GrossMargin        *float64 `json:"grossMargin,omitempty"`
	OperatingMargin    *float64 `json:"operatingMargin,omitempty"`
	EBITDAMargin       *float64 `json:"ebitdaMargin,omitempty"`
	NetMargin          *float64 `json:"netMargin,omitempty"`
	RevenueGrowth      *float64 `json:"revenueGrowth,omitempty"`
	MarketCap          *float64 `json:"marketCap,omitempty"`
	EnterpriseValue    *float64 `json:"enterpriseValue,omitempty"`
	Price              *float64 `json:"price,omitempty"`
	SharesOutstanding  *float64 `json:"sharesOutstanding,omitempty"`
	PERatio            *float64 `json:"peRatio,omitempty"`
	PBRatio            *float64 `json:"pbRatio,omitempty"`
	PSRatio            *float64 `json:"psRatio,omitempty"`
	EVToEBITDA         *float64 `json:"evToEbitda,omitempty"`
	CurrentRatio       *float64 `json:"currentRatio,omitempty"`
	QuickRatio         *float64 `json:"quickRatio,omitempty"`
	DebtToEquity       *float64 `json:"debtToEquity,omitempty"`
	TotalDebt          *float64 `json:"totalDebt,omitempty"`
	Cash               *float64 `json:"cash,omitempty"`
	OperatingCashFlow  *float64 `json:"operatingCashFlow,omitempty"`
	CapitalExpenditure *float64 `json:"capitalExpenditure,omitempty"`
	FreeCashFlow       *float64 `json:"freeCashFlow,omitempty"`
}

type metricField struct {
	name string
	ptr  func(m *Metrics) **float64
}

// metricFields is the schema in canonical order.
var metricFields = []metricField{
	{MetricRevenue, func(m *Metrics) **float64 { return &m.Revenue }},
	{MetricGrossProfit, func(m *Metrics) **float64 { return &m.GrossProfit }},
	{MetricEBITDA, func(m *Metrics) **float64 { return &m.EBITDA }},
	{MetricOperatingIncome, func(m *Metrics) **float64 { return &m.OperatingIncome }},
	{MetricNetIncome, func(m *Metrics) **float64 { return &m.NetIncome }},
	{MetricGrossMargin, func(m *Metrics) **float64 { return &m.GrossMargin }},
	{MetricOperatingMargin, func(m *Metrics) **float64 { return &m.OperatingMargin }},
	{MetricEBITDAMargin, func(m *Metrics) **float64 { return &m.EBITDAMargin }},
	{MetricNetMargin, func(m *Metrics) **float64 { return &m.NetMargin }},
	{MetricRevenueGrowth, func(m *Metrics) **float64 { return &m.RevenueGrowth }},
	{MetricMarketCap, func(m *Metrics) **float64 { return &m.MarketCap }},
	{MetricEnterpriseValue, func(m *Metrics) **float64 { return &m.EnterpriseValue }},
	{MetricPrice, func(m *Metrics) **float64 { return &m.Price }},
	{MetricSharesOutstanding, func(m *Metrics) **float64 { return &m.SharesOutstanding }},
	{MetricPERatio, func(m *Metrics) **float64 { return &m.PERatio }},
	{MetricPBRatio, func(m *Metrics) **float64 { return &m.PBRatio }},
	{MetricPSRatio, func(m *Metrics) **float64 { return &m.PSRatio }},
	{MetricEVToEBITDA, func(m *Metrics) **float64 { return &m.EVToEBITDA }},
	{MetricCurrentRatio, func(m *Metrics) **float64 { return &m.CurrentRatio }},
	{MetricQuickRatio, func(m *Metrics) **float64 { return &m.QuickRatio }},
	{MetricDebtToEquity, func(m *Metrics) **float64 { return &m.DebtToEquity }},
	{MetricTotalDebt, func(m *Metrics) **float64 { return &m.TotalDebt }},
	{MetricCash, func(m *Metrics) **float64 { return &m.Cash }},
	{MetricOperatingCashFlow, func(m *Metrics) **float64 { return &m.OperatingCashFlow }},
	{MetricCapitalExpenditure, func(m *Metrics) **float64 { return &m.CapitalExpenditure }},
	{MetricFreeCashFlow, func(m *Metrics) **float64 { return &m.FreeCashFlow }},
}

var metricIndex = func() map[string]int {
	idx := make(map[string]int, len(metricFields))
	for i, f := range metricFields {
		idx[f.name] = i
	}
	return idx
}()

// MetricNames returns every known metric name in canonical order.
func MetricNames() []string {
	names := make([]string, len(metricFields))
	for i, f := range metricFields {
		names[i] = f.name
	}
	return names
}

// IsMetric reports whether name is a known metric.
func IsMetric(name string) bool {
	_, ok := metricIndex[name]
	return ok
}

// Get returns the value of the named metric and whether it is present.
func (m *Metrics) Get(name string) (float64, bool) {
	i, ok := metricIndex[name]
	if !ok {
		return 0, false
	}
	p := *metricFields[i].ptr(m)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Set assigns the named metric. Unknown names return ErrUnknownMetric.
func (m *Metrics) Set(name string, v float64) error {
	i, ok := metricIndex[name]
	if !ok {
		return eris.Wrapf(ErrUnknownMetric, "set %q", name)
	}
	val := v
	*metricFields[i].ptr(m) = &val
	return nil
}

// Clear removes the named metric.
func (m *Metrics) Clear(name string) {
	if i, ok := metricIndex[name]; ok {
		*metricFields[i].ptr(m) = nil
	}
}

// Each calls fn for every present metric in canonical order.
func (m *Metrics) Each(fn func(name string, v float64)) {
	for _, f := range metricFields {
		if p := *f.ptr(m); p != nil {
			fn(f.name, *p)
		}
	}
}

// Len returns the number of present metrics.
func (m *Metrics) Len() int {
	n := 0
	m.Each(func(string, float64) { n++ })
	return n
}

// Map returns the present metrics as a plain map.
func (m *Metrics) Map() map[string]float64 {
	out := make(map[string]float64)
	m.Each(func(name string, v float64) { out[name] = v })
	return out
}

// MetricsFromMap is the strict ingestion boundary for loosely typed payloads.
// Values may be numbers or numeric strings; unknown keys are rejected.
func MetricsFromMap(raw map[string]any) (Metrics, error) {
	var m Metrics
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !IsMetric(k) {
			return Metrics{}, eris.Wrapf(ErrUnknownMetric, "ingest %q", k)
		}
		v, ok := toFloat(raw[k])
		if !ok {
			if raw[k] == nil {
				continue
			}
			return Metrics{}, eris.Errorf("model: metric %q is not numeric: %v", k, raw[k])
		}
		_ = m.Set(k, v)
	}
	return m, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if s == "" || strings.EqualFold(s, "none") || s == "-" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ParseNumber converts a provider value (number or numeric string) to float64.
// Placeholders like "None", "-" and "" yield false.
func ParseNumber(v any) (float64, bool) {
	return toFloat(v)
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Clone returns a deep copy of m.
func (m *Metrics) Clone() Metrics {
	var out Metrics
	m.Each(func(name string, v float64) { _ = out.Set(name, v) })
	return out
}
