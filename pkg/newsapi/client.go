// Package newsapi searches news articles through newsapi.org.
package newsapi

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

const (
	defaultBaseURL  = "https://newsapi.org/v2"
	defaultPageSize = 20
)

// Client searches news articles.
type Client interface {
	Everything(ctx context.Context, query string) (*SearchResponse, error)
}

// SearchResponse is the /everything response body.
type SearchResponse struct {
	Status       string    `json:"status"`
	TotalResults int       `json:"totalResults"`
	Articles     []Article `json:"articles"`
	Code         string    `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Article is one search hit.
type Article struct {
	Source      ArticleSource `json:"source"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
	PublishedAt time.Time     `json:"publishedAt"`
	Content     string        `json:"content"`
}

// ArticleSource names the publisher.
type ArticleSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithPageSize sets the number of articles requested.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
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
	apiKey   string
	baseURL  string
	pageSize int
	http     *http.Client
}

// NewClient creates a NewsAPI client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		pageSize: defaultPageSize,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Everything(ctx context.Context, query string) (*SearchResponse, error) {
	q := url.Values{
		"q":        {query},
		"language": {"en"},
		"sortBy":   {"publishedAt"},
		"pageSize": {strconv.Itoa(c.pageSize)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/everything?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "newsapi: create request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "newsapi: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "newsapi: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("newsapi", resp.StatusCode, string(body))
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "newsapi: unmarshal response")
	}
	if out.Status != "ok" {
		return nil, eris.Errorf("newsapi: %s: %s", out.Code, out.Message)
	}
	return &out, nil
}
