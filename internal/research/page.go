package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const userAgent = "Mozilla/5.0 (compatible; CardflowResearch/1.0)"

// Page is the readable content of a fetched web page.
type Page struct {
	URL    string
	Title  string
	Text   string
	Emails []string
	Phones []string
}

// PageReader fetches pages and extracts text plus contact details.
type PageReader struct {
	httpClient *http.Client
	maxText    int
}

func NewPageReader(timeout time.Duration) *PageReader {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PageReader{httpClient: &http.Client{Timeout: timeout}, maxText: 8000}
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
)

// Read fetches rawURL and parses it.
func (r *PageReader) Read(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Page{}, fmt.Errorf("read page %s: invalid URL", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("read page %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("read page %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	page, err := ParsePage(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read page %s: %w", rawURL, err)
	}
	page.URL = rawURL
	if len(page.Text) > r.maxText {
		page.Text = page.Text[:r.maxText]
	}
	return page, nil
}

// ParsePage extracts the title, visible text, and mailto/tel links plus addresses found in the text.
func ParsePage(body io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return Page{}, fmt.Errorf("parse HTML: %w", err)
	}
	var page Page
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())

	emails := newOrderedSet()
	phones := newOrderedSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		switch {
		case strings.HasPrefix(strings.ToLower(href), "mailto:"):
			addr := strings.SplitN(href[len("mailto:"):], "?", 2)[0]
			emails.add(strings.ToLower(strings.TrimSpace(addr)))
		case strings.HasPrefix(strings.ToLower(href), "tel:"):
			phones.add(strings.TrimSpace(href[len("tel:"):]))
		}
	})

	doc.Find("script, style, noscript, nav, footer").Remove()
	page.Text = cleanWhitespace(doc.Find("body").Text())
	for _, e := range emailPattern.FindAllString(page.Text, -1) {
		emails.add(strings.ToLower(e))
	}
	for _, p := range phonePattern.FindAllString(page.Text, -1) {
		phones.add(strings.TrimSpace(p))
	}
	page.Emails = emails.items
	page.Phones = phones.items
	return page, nil
}

func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet { return &orderedSet{seen: map[string]bool{}} }

func (o *orderedSet) add(v string) {
	if v == "" || o.seen[v] {
		return
	}
	o.seen[v] = true
	o.items = append(o.items, v)
}
