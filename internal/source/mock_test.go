package source

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/consensus-cli/pkg/alphavantage"
	"github.com/sells-group/consensus-cli/pkg/edgar"
	"github.com/sells-group/consensus-cli/pkg/fmp"
	"github.com/sells-group/consensus-cli/pkg/newsapi"
)

type mockFMP struct{ mock.Mock }

func (m *mockFMP) Profile(ctx context.Context, symbol string) (*fmp.Profile, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fmp.Profile), args.Error(1)
}

func (m *mockFMP) IncomeStatement(ctx context.Context, symbol string) (*fmp.IncomeStatement, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fmp.IncomeStatement), args.Error(1)
}

func (m *mockFMP) RatiosTTM(ctx context.Context, symbol string) (*fmp.RatiosTTM, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fmp.RatiosTTM), args.Error(1)
}

type mockAlphaVantage struct{ mock.Mock }

func (m *mockAlphaVantage) Overview(ctx context.Context, symbol string) (*alphavantage.Overview, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alphavantage.Overview), args.Error(1)
}

type mockEDGAR struct{ mock.Mock }

func (m *mockEDGAR) LookupTicker(ctx context.Context, ticker string) (*edgar.Company, error) {
	args := m.Called(ctx, ticker)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*edgar.Company), args.Error(1)
}

func (m *mockEDGAR) CompanyFacts(ctx context.Context, cik int) (*edgar.CompanyFacts, error) {
	args := m.Called(ctx, cik)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*edgar.CompanyFacts), args.Error(1)
}

type mockNews struct{ mock.Mock }

func (m *mockNews) Everything(ctx context.Context, query string) (*newsapi.SearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*newsapi.SearchResponse), args.Error(1)
}
