// Package alphavantage reads company overviews from the Alpha Vantage API.
package alphavantage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/resilience"
)

const defaultBaseURL = "https://www.alphavantage.co"

// ErrNotFound is returned for an empty OVERVIEW response.
var ErrNotFound = eris.New("alphavantage: symbol not found")

// Client fetches fundamentals from Alpha Vantage.
type Client interface {
	Overview(ctx context.Context, symbol string) (*Overview, error)
}

// Overview is the OVERVIEW function response. Alpha Vantage encodes every
// number as a string and uses "None" or "-" for missing values.
type Overview struct {
	Symbol                    string `json:"Symbol"`
	Name                      string `json:"Name"`
	Description               string `json:"Description"`
	Currency                  string `json:"Currency"`
	Sector                    string `json:"Sector"`
	Industry                  string `json:"Industry"`
	LatestQuarter             string `json:"LatestQuarter"`
	MarketCapitalization      string `json:"MarketCapitalization"`
	EBITDA                    string `json:"EBITDA"`
	PERatio                   string `json:"PERatio"`
	PriceToBookRatio          string `json:"PriceToBookRatio"`
	PriceToSalesRatioTTM      string `json:"PriceToSalesRatioTTM"`
	EVToEBITDA                string `json:"EVToEBITDA"`
	ProfitMargin              string `json:"ProfitMargin"`
	OperatingMarginTTM        string `json:"OperatingMarginTTM"`
	RevenueTTM                string `json:"RevenueTTM"`
	GrossProfitTTM            string `json:"GrossProfitTTM"`
	QuarterlyRevenueGrowthYOY string `json:"QuarterlyRevenueGrowthYOY"`
	SharesOutstanding         string `json:"SharesOutstanding"`
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

// NewClient creates an Alpha Vantage client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Overview(ctx context.Context, symbol string) (*Overview, error) {
	q := url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
		"apikey":   {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("alphavantage", resp.StatusCode, string(body))
	}

	// Throttling and key problems come back as 200 with a Note/Information body.
	var notice struct {
		Note         string `json:"Note"`
		Information  string `json:"Information"`
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(body, &notice); err != nil {
		return nil, eris.Wrap(err, "alphavantage: unmarshal response")
	}
	switch {
	case notice.Note != "":
		return nil, resilience.NewTransientError(eris.Errorf("alphavantage: throttled: %s", notice.Note), http.StatusTooManyRequests)
	case notice.Information != "":
		return nil, eris.Errorf("alphavantage: %s", notice.Information)
	case notice.ErrorMessage != "":
		return nil, eris.Errorf("alphavantage: api error: %s", notice.ErrorMessage)
	}

	var ov Overview
	if err := json.Unmarshal(body, &ov); err != nil {
		return nil, eris.Wrap(err, "alphavantage: unmarshal response")
	}
	if ov.Symbol == "" {
		return nil, eris.Wrapf(ErrNotFound, "overview %s", symbol)
	}
	return &ov, nil
}
