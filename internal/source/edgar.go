package source

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/pkg/edgar"
)

func gaap(names ...string) []edgar.Concept {
	out := make([]edgar.Concept, len(names))
	for i, n := range names {
		out[i] = edgar.Concept{Namespace: "us-gaap", Name: n, Unit: "USD"}
	}
	return out
}

// Annual (duration) concepts, most specific first.
var (
	conceptsRevenue         = gaap("RevenueFromContractWithCustomerExcludingAssessedTax", "Revenues", "SalesRevenueNet")
	conceptsGrossProfit     = gaap("GrossProfit")
	conceptsOperatingIncome = gaap("OperatingIncomeLoss")
	conceptsNetIncome       = gaap("NetIncomeLoss", "ProfitLoss")
	conceptsOperatingCF     = gaap("NetCashProvidedByUsedInOperatingActivities", "NetCashProvidedByOperatingActivities")
	conceptsCapex           = gaap("PaymentsToAcquirePropertyPlantAndEquipment")
)

// Instant (balance) concepts.
var (
	conceptsCash   = gaap("CashAndCashEquivalentsAtCarryingValue")
	conceptsDebt   = gaap("LongTermDebt", "LongTermDebtNoncurrent", "DebtInstrumentCarryingAmount")
	conceptsShares = []edgar.Concept{
		{Namespace: "dei", Name: "EntityCommonStockSharesOutstanding", Unit: "shares"},
		{Namespace: "us-gaap", Name: "CommonStockSharesOutstanding", Unit: "shares"},
	}
)

// EDGARFetcher reads the latest annual XBRL facts filed with the SEC.
type EDGARFetcher struct {
	name    string
	client  edgar.Client
	nowFunc func() time.Time
}

// NewEDGARFetcher creates the EDGAR adapter.
func NewEDGARFetcher(name string, client edgar.Client) *EDGARFetcher {
	return &EDGARFetcher{name: name, client: client, nowFunc: time.Now}
}

// Fetch implements Fetcher. The entity id may be a ticker or a CIK.
func (f *EDGARFetcher) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	cik, ok := edgar.ParseCIK(q.EntityID)
	name := ""
	if !ok {
		co, err := f.client.LookupTicker(ctx, q.Symbol())
		if errors.Is(err, edgar.ErrUnknownTicker) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		cik, name = co.CIK, co.Title
	}

	facts, err := f.client.CompanyFacts(ctx, cik)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = facts.EntityName
	}

	rec := &model.RawSourceRecord{
		EntityID:  q.EntityID,
		Source:    f.name,
		FetchedAt: f.nowFunc(),
		Labels:    map[string]string{model.LabelName: name, model.LabelCurrency: "USD"},
	}
	m := &rec.Metrics

	annual := func(cs []edgar.Concept) *float64 {
		v, _, ok := edgar.LatestAnnual(facts, cs...)
		if !ok {
			return nil
		}
		return model.Float(v.Val)
	}
	instant := func(cs []edgar.Concept) *float64 {
		v, _, ok := edgar.LatestInstant(facts, cs...)
		if !ok {
			return nil
		}
		return model.Float(v.Val)
	}

	if rev, _, ok := edgar.LatestAnnual(facts, conceptsRevenue...); ok {
		m.Revenue = model.Float(rev.Val)
		if t, perr := time.Parse(time.DateOnly, rev.End); perr == nil {
			rec.AsOf = &t
		}
	}
	m.GrossProfit = annual(conceptsGrossProfit)
	m.OperatingIncome = annual(conceptsOperatingIncome)
	m.NetIncome = annual(conceptsNetIncome)
	m.OperatingCashFlow = annual(conceptsOperatingCF)
	m.CapitalExpenditure = annual(conceptsCapex)
	m.Cash = instant(conceptsCash)
	m.TotalDebt = instant(conceptsDebt)
	m.SharesOutstanding = instant(conceptsShares)

	if m.OperatingCashFlow != nil && m.CapitalExpenditure != nil {
		m.FreeCashFlow = model.Float(*m.OperatingCashFlow - *m.CapitalExpenditure)
	}
	if m.Revenue != nil && *m.Revenue > 0 {
		rev := *m.Revenue
		if m.GrossProfit != nil {
			m.GrossMargin = model.Float(*m.GrossProfit / rev * 100)
		}
		if m.OperatingIncome != nil {
			m.OperatingMargin = model.Float(*m.OperatingIncome / rev * 100)
		}
		if m.NetIncome != nil {
			m.NetMargin = model.Float(*m.NetIncome / rev * 100)
		}
	}

	if m.Len() == 0 {
		return nil, nil
	}
	return rec, nil
}
