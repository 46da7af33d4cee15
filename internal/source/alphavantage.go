package source

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/pkg/alphavantage"
)

// AlphaVantageFetcher reads the OVERVIEW endpoint.
type AlphaVantageFetcher struct {
	name    string
	client  alphavantage.Client
	nowFunc func() time.Time
}

// NewAlphaVantageFetcher creates the Alpha Vantage adapter.
func NewAlphaVantageFetcher(name string, client alphavantage.Client) *AlphaVantageFetcher {
	return &AlphaVantageFetcher{name: name, client: client, nowFunc: time.Now}
}

// Fetch implements Fetcher.
func (f *AlphaVantageFetcher) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	ov, err := f.client.Overview(ctx, q.Symbol())
	if errors.Is(err, alphavantage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &model.RawSourceRecord{
		EntityID:  q.EntityID,
		Source:    f.name,
		FetchedAt: f.nowFunc(),
		Labels: map[string]string{
			model.LabelName:     ov.Name,
			model.LabelSector:   ov.Sector,
			model.LabelIndustry: ov.Industry,
			model.LabelCurrency: ov.Currency,
		},
	}
	if t, perr := time.Parse(time.DateOnly, ov.LatestQuarter); perr == nil {
		rec.AsOf = &t
	}

	m := &rec.Metrics
	m.MarketCap = num(ov.MarketCapitalization)
	m.EBITDA = num(ov.EBITDA)
	m.Revenue = num(ov.RevenueTTM)
	m.GrossProfit = num(ov.GrossProfitTTM)
	m.PERatio = num(ov.PERatio)
	m.PBRatio = num(ov.PriceToBookRatio)
	m.PSRatio = num(ov.PriceToSalesRatioTTM)
	m.EVToEBITDA = num(ov.EVToEBITDA)
	m.SharesOutstanding = num(ov.SharesOutstanding)
	m.NetMargin = percent(num(ov.ProfitMargin))
	m.OperatingMargin = percent(num(ov.OperatingMarginTTM))
	m.RevenueGrowth = percent(num(ov.QuarterlyRevenueGrowthYOY))
	if m.Revenue != nil && m.GrossProfit != nil && *m.Revenue > 0 {
		m.GrossMargin = model.Float(*m.GrossProfit / *m.Revenue * 100)
	}
	if m.Revenue != nil && m.EBITDA != nil && *m.Revenue > 0 {
		m.EBITDAMargin = model.Float(*m.EBITDA / *m.Revenue * 100)
	}

	if m.Len() == 0 {
		return nil, nil
	}
	return rec, nil
}

func num(s string) *float64 {
	v, ok := model.ParseNumber(s)
	if !ok {
		return nil
	}
	return &v
}
