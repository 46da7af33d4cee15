package source

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/pkg/newsapi"
)

// figurePattern matches "<metric> ... $<number> <scale>" in headlines and
// descriptions, e.g. "revenue rose to $1.2 billion".
var figurePattern = regexp.MustCompile(
	`(?i)\b(revenue|revenues|sales|ebitda|net income|net profit|market cap(?:italization)?|free cash flow)\b[^$.]{0,40}\$\s?([\d][\d,]*(?:\.\d+)?)\s*(trillion|billion|million|thousand|tn|bn|mn|m|b|k)?\b`,
)

var figureMetrics = map[string]string{
	"revenue":               model.MetricRevenue,
	"revenues":              model.MetricRevenue,
	"sales":                 model.MetricRevenue,
	"ebitda":                model.MetricEBITDA,
	"net income":            model.MetricNetIncome,
	"net profit":            model.MetricNetIncome,
	"market cap":            model.MetricMarketCap,
	"market capitalization": model.MetricMarketCap,
	"free cash flow":        model.MetricFreeCashFlow,
}

var figureScales = map[string]float64{
	"":         1,
	"thousand": 1e3,
	"k":        1e3,
	"million":  1e6,
	"mn":       1e6,
	"m":        1e6,
	"billion":  1e9,
	"bn":       1e9,
	"b":        1e9,
	"trillion": 1e12,
	"tn":       1e12,
}

// Figure is one number extracted from text.
type Figure struct {
	Metric string
	Value  float64
}

// ExtractFigures returns the financial figures mentioned in text, in order of
// appearance.
func ExtractFigures(text string) []Figure {
	var out []Figure
	for _, m := range figurePattern.FindAllStringSubmatch(text, -1) {
		metric, ok := figureMetrics[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		out = append(out, Figure{Metric: metric, Value: v * figureScales[strings.ToLower(m[3])]})
	}
	return out
}

// NewsFetcher extracts headline figures from recent news coverage.
type NewsFetcher struct {
	name    string
	client  newsapi.Client
	nowFunc func() time.Time
}

// NewNewsFetcher creates the news adapter.
func NewNewsFetcher(name string, client newsapi.Client) *NewsFetcher {
	return &NewsFetcher{name: name, client: client, nowFunc: time.Now}
}

// Fetch implements Fetcher. The newest article mentioning a metric wins for
// that metric. No figures at all yields a nil record.
func (f *NewsFetcher) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	resp, err := f.client.Everything(ctx, `"`+q.SearchText()+`"`)
	if err != nil {
		return nil, err
	}

	rec := &model.RawSourceRecord{
		EntityID:  q.EntityID,
		Source:    f.name,
		FetchedAt: f.nowFunc(),
	}
	var newest time.Time
	for _, a := range resp.Articles {
		for _, fig := range ExtractFigures(a.Title + ". " + a.Description) {
			if _, ok := rec.Metrics.Get(fig.Metric); ok {
				continue
			}
			_ = rec.Metrics.Set(fig.Metric, fig.Value)
			if a.PublishedAt.After(newest) {
				newest = a.PublishedAt
			}
		}
	}

	if rec.Metrics.Len() == 0 {
		return nil, nil
	}
	if !newest.IsZero() {
		rec.AsOf = &newest
	}
	return rec, nil
}
