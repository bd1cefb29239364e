package research

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Enrichment is what a provider knows about one person at a company domain.
type Enrichment struct {
	Email    string
	Phone    string
	Position string
	Score    int
}

// Enricher looks up contact details for a person.
type Enricher interface {
	FindEmail(ctx context.Context, domain, firstName, lastName string) (Enrichment, error)
}

const defaultHunterURL = "https://api.hunter.io"

// HunterClient enriches contacts through the Hunter email finder.
type HunterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// NewHunterClient returns nil without a key; enrichment is then skipped.
func NewHunterClient(apiKey, baseURL string) *HunterClient {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = defaultHunterURL
	}
	return &HunterClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxElapsed: 10 * time.Second,
	}
}

func (c *HunterClient) FindEmail(ctx context.Context, domain, firstName, lastName string) (Enrichment, error) {
	q := url.Values{}
	q.Set("domain", domain)
	q.Set("first_name", firstName)
	q.Set("last_name", lastName)
	q.Set("api_key", c.apiKey)
	endpoint := c.baseURL + "/v2/email-finder?" + q.Encode()

	var out struct {
		Data struct {
			Email       string `json:"email"`
			Score       int    `json:"score"`
			Position    string `json:"position"`
			PhoneNumber string `json:"phone_number"`
		} `json:"data"`
	}
	err := doJSON(ctx, c.httpClient, c.maxElapsed, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &out)
	if err != nil {
		return Enrichment{}, fmt.Errorf("enrich %s %s: %w", firstName, lastName, err)
	}
	return Enrichment{
		Email:    out.Data.Email,
		Phone:    out.Data.PhoneNumber,
		Position: out.Data.Position,
		Score:    out.Data.Score,
	}, nil
}

// DomainOf returns the host of a website URL without a leading www.
func DomainOf(website string) string {
	if website == "" {
		return ""
	}
	if u, err := url.Parse(website); err == nil && u.Host != "" {
		website = u.Host
	}
	if len(website) > 4 && website[:4] == "www." {
		website = website[4:]
	}
	return website
}
