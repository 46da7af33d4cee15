// Package edgar reads XBRL company facts from SEC EDGAR.
package edgar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/consensus-cli/internal/resilience"
)

const (
	defaultDataBaseURL = "https://data.sec.gov"
	defaultTickersURL  = "https://www.sec.gov/files/company_tickers.json"
	defaultUserAgent   = "consensus-cli research@sellsadvisors.com"
)

// ErrUnknownTicker is returned when a ticker is not in the SEC ticker map.
var ErrUnknownTicker = eris.New("edgar: unknown ticker")

// Company is one entry of the SEC ticker map.
type Company struct {
	CIK    int    `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// PaddedCIK returns the 10-digit CIK used in EDGAR URLs.
func (c Company) PaddedCIK() string {
	return fmt.Sprintf("%010d", c.CIK)
}

// Client reads EDGAR data.
type Client interface {
	LookupTicker(ctx context.Context, ticker string) (*Company, error)
	CompanyFacts(ctx context.Context, cik int) (*CompanyFacts, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithDataBaseURL overrides the data.sec.gov base URL.
func WithDataBaseURL(url string) Option {
	return func(c *httpClient) {
		c.dataBaseURL = url
	}
}

// WithTickersURL overrides the ticker map URL.
func WithTickersURL(url string) Option {
	return func(c *httpClient) {
		c.tickersURL = url
	}
}

// WithUserAgent sets the User-Agent SEC requires on every request.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRateLimit overrides the requests-per-second ceiling (SEC allows 10).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	dataBaseURL string
	tickersURL  string
	userAgent   string
	limiter     *rate.Limiter
	http        *http.Client

	mu      sync.Mutex
	tickers map[string]Company
}

// NewClient creates an EDGAR client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		dataBaseURL: defaultDataBaseURL,
		tickersURL:  defaultTickersURL,
		userAgent:   defaultUserAgent,
		limiter:     rate.NewLimiter(10, 10),
		http:        &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LookupTicker resolves a ticker to its CIK. The ticker map is downloaded on
// first use and kept for the client's lifetime; a failed download is retried
// on the next call.
func (c *httpClient) LookupTicker(ctx context.Context, ticker string) (*Company, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tickers == nil {
		body, err := c.get(ctx, c.tickersURL)
		if err != nil {
			return nil, err
		}
		var raw map[string]Company
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, eris.Wrap(err, "edgar: unmarshal tickers")
		}
		c.tickers = make(map[string]Company, len(raw))
		for _, co := range raw {
			c.tickers[strings.ToUpper(co.Ticker)] = co
		}
	}

	co, ok := c.tickers[strings.ToUpper(strings.TrimSpace(ticker))]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownTicker, "ticker %s", ticker)
	}
	return &co, nil
}

func (c *httpClient) CompanyFacts(ctx context.Context, cik int) (*CompanyFacts, error) {
	url := c.dataBaseURL + "/api/xbrl/companyfacts/CIK" + fmt.Sprintf("%010d", cik) + ".json"
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	facts, err := ParseCompanyFacts(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return facts, nil
}

func (c *httpClient) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "edgar: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "edgar: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "edgar: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "edgar: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("edgar", resp.StatusCode, string(body))
	}
	return body, nil
}

// ParseCIK accepts a bare or zero-padded CIK.
func ParseCIK(s string) (int, bool) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "CIK")
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
