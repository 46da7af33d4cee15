// Package fmp is a small client for the Financial Modeling Prep v3 API.
package fmp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/resilience"
)

const defaultBaseURL = "https://financialmodelingprep.com/api/v3"

// ErrNotFound is returned when FMP answers with an empty list for a symbol.
var ErrNotFound = eris.New("fmp: symbol not found")

// Client reads company fundamentals from FMP.
type Client interface {
	Profile(ctx context.Context, symbol string) (*Profile, error)
	IncomeStatement(ctx context.Context, symbol string) (*IncomeStatement, error)
	RatiosTTM(ctx context.Context, symbol string) (*RatiosTTM, error)
}

// Profile is one element of GET /profile/{symbol}.
type Profile struct {
	Symbol      string   `json:"symbol"`
	CompanyName string   `json:"companyName"`
	Price       *float64 `json:"price"`
	MktCap      *float64 `json:"mktCap"`
	Currency    string   `json:"currency"`
	Sector      string   `json:"sector"`
	Industry    string   `json:"industry"`
	Description string   `json:"description"`
}

// IncomeStatement is one element of GET /income-statement/{symbol}.
type IncomeStatement struct {
	Date                 string   `json:"date"`
	Symbol               string   `json:"symbol"`
	Period               string   `json:"period"`
	Revenue              *float64 `json:"revenue"`
	GrossProfit          *float64 `json:"grossProfit"`
	GrossProfitRatio     *float64 `json:"grossProfitRatio"`
	EBITDA               *float64 `json:"ebitda"`
	EBITDARatio          *float64 `json:"ebitdaratio"`
	OperatingIncome      *float64 `json:"operatingIncome"`
	OperatingIncomeRatio *float64 `json:"operatingIncomeRatio"`
	NetIncome            *float64 `json:"netIncome"`
	NetIncomeRatio       *float64 `json:"netIncomeRatio"`
	DilutedShares        *float64 `json:"weightedAverageShsOutDil"`
}

// RatiosTTM is one element of GET /ratios-ttm/{symbol}.
type RatiosTTM struct {
	PERatio           *float64 `json:"peRatioTTM"`
	PriceToBookRatio  *float64 `json:"priceToBookRatioTTM"`
	PriceToSalesRatio *float64 `json:"priceToSalesRatioTTM"`
	CurrentRatio      *float64 `json:"currentRatioTTM"`
	QuickRatio        *float64 `json:"quickRatioTTM"`
	DebtEquityRatio   *float64 `json:"debtEquityRatioTTM"`
	EVMultiple        *float64 `json:"enterpriseValueMultipleTTM"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an FMP API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Profile(ctx context.Context, symbol string) (*Profile, error) {
	var out []Profile
	if err := c.get(ctx, "/profile/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "profile %s", symbol)
	}
	return &out[0], nil
}

func (c *httpClient) IncomeStatement(ctx context.Context, symbol string) (*IncomeStatement, error) {
	var out []IncomeStatement
	q := url.Values{"limit": {strconv.Itoa(1)}}
	if err := c.get(ctx, "/income-statement/"+url.PathEscape(symbol), q, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "income statement %s", symbol)
	}
	return &out[0], nil
}

func (c *httpClient) RatiosTTM(ctx context.Context, symbol string) (*RatiosTTM, error) {
	var out []RatiosTTM
	if err := c.get(ctx, "/ratios-ttm/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "ratios %s", symbol)
	}
	return &out[0], nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, dst any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "fmp: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "fmp: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "fmp: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return resilience.StatusError("fmp", resp.StatusCode, string(body))
	}

	// FMP reports bad keys with a 200 and an object body.
	var apiErr struct {
		Message string `json:"Error Message"`
	}
	if len(body) > 0 && body[0] == '{' && json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return eris.Errorf("fmp: api error: %s", apiErr.Message)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return eris.Wrap(err, "fmp: unmarshal response")
	}
	return nil
}
