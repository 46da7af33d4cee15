package newsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEverything(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantErr      string
		wantArticles int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{"status":"ok","totalResults":1,"articles":[
				{"source":{"id":null,"name":"Wire"},"title":"Acme Corp posts revenue of $108 million","description":"","url":"https://example.com/a","publishedAt":"2026-02-01T10:00:00Z"}
			]}`,
			wantArticles: 1,
		},
		{
			name:    "api error in body",
			status:  http.StatusOK,
			body:    `{"status":"error","code":"apiKeyInvalid","message":"Your API key is invalid."}`,
			wantErr: "apiKeyInvalid",
		},
		{
			name:    "rate_limit",
			status:  http.StatusTooManyRequests,
			body:    `{"status":"error","code":"rateLimited"}`,
			wantErr: "unexpected status 429",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/everything", r.URL.Path)
				assert.Equal(t, "\"Acme Corp\"", r.URL.Query().Get("q"))
				assert.Equal(t, "5", r.URL.Query().Get("pageSize"))
				assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL), WithPageSize(5))
			resp, err := client.Everything(context.Background(), `"Acme Corp"`)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, resp.Articles, tt.wantArticles)
			assert.Equal(t, "Wire", resp.Articles[0].Source.Name)
			assert.Equal(t, 2026, resp.Articles[0].PublishedAt.Year())
		})
	}
}
