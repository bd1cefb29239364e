package research

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

const defaultTavilyURL = "https://api.tavily.com"

// TavilyClient searches through the Tavily API.
type TavilyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// NewTavilyClient returns nil without a key; research then runs on internal data only.
func NewTavilyClient(apiKey, baseURL string) *TavilyClient {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = defaultTavilyURL
	}
	return &TavilyClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		maxElapsed: 15 * time.Second,
	}
}

func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	payload := map[string]any{
		"api_key":      c.apiKey,
		"query":        query,
		"max_results":  maxResults,
		"search_depth": "basic",
	}
	var out struct {
		Results []SearchResult `json:"results"`
	}
	err := doJSON(ctx, c.httpClient, c.maxElapsed, func(ctx context.Context) (*http.Request, error) {
		body, err := jsonBody(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return out.Results, nil
}
