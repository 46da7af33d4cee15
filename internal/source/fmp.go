package source

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/pkg/fmp"
)

// FMPFetcher reads profile, latest annual income statement and TTM ratios
// from Financial Modeling Prep.
type FMPFetcher struct {
	name    string
	client  fmp.Client
	nowFunc func() time.Time
}

// NewFMPFetcher creates the FMP adapter.
func NewFMPFetcher(name string, client fmp.Client) *FMPFetcher {
	return &FMPFetcher{name: name, client: client, nowFunc: time.Now}
}

// Fetch implements Fetcher. The profile is required; the income statement
// and ratios are best-effort.
func (f *FMPFetcher) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	symbol := q.Symbol()
	log := zap.L().With(zap.String("source", f.name), zap.String("symbol", symbol))

	profile, err := f.client.Profile(ctx, symbol)
	if errors.Is(err, fmp.ErrNotFound) {
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
			model.LabelName:     profile.CompanyName,
			model.LabelSector:   profile.Sector,
			model.LabelIndustry: profile.Industry,
			model.LabelCurrency: profile.Currency,
		},
	}
	m := &rec.Metrics
	m.Price = profile.Price
	m.MarketCap = profile.MktCap

	is, err := f.client.IncomeStatement(ctx, symbol)
	switch {
	case err == nil:
		m.Revenue = is.Revenue
		m.GrossProfit = is.GrossProfit
		m.EBITDA = is.EBITDA
		m.OperatingIncome = is.OperatingIncome
		m.NetIncome = is.NetIncome
		m.GrossMargin = percent(is.GrossProfitRatio)
		m.EBITDAMargin = percent(is.EBITDARatio)
		m.OperatingMargin = percent(is.OperatingIncomeRatio)
		m.NetMargin = percent(is.NetIncomeRatio)
		m.SharesOutstanding = is.DilutedShares
		if t, perr := time.Parse(time.DateOnly, is.Date); perr == nil {
			rec.AsOf = &t
		}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		log.Debug("fmp: income statement unavailable", zap.Error(err))
	}

	ratios, err := f.client.RatiosTTM(ctx, symbol)
	switch {
	case err == nil:
		m.PERatio = ratios.PERatio
		m.PBRatio = ratios.PriceToBookRatio
		m.PSRatio = ratios.PriceToSalesRatio
		m.CurrentRatio = ratios.CurrentRatio
		m.QuickRatio = ratios.QuickRatio
		m.DebtToEquity = ratios.DebtEquityRatio
		m.EVToEBITDA = ratios.EVMultiple
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		log.Debug("fmp: ratios unavailable", zap.Error(err))
	}

	return rec, nil
}

// percent converts a ratio (0.25) to a percentage (25).
func percent(ratio *float64) *float64 {
	if ratio == nil {
		return nil
	}
	return model.Float(*ratio * 100)
}
