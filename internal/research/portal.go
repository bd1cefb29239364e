package research

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PortalStatus is the result of a reachability check.
type PortalStatus struct {
	URL        string
	StatusCode int
	Reachable  bool
	Latency    time.Duration
}

// CheckPortal probes url with HEAD, falling back to GET for servers that reject HEAD.
// A transport failure is returned as an error; any HTTP answer below 400 counts as reachable.
func CheckPortal(ctx context.Context, client *http.Client, url string) (PortalStatus, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	status := PortalStatus{URL: url}
	start := time.Now()
	code, err := probe(ctx, client, http.MethodHead, url)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = probe(ctx, client, http.MethodGet, url)
	}
	status.Latency = time.Since(start)
	if err != nil {
		return status, fmt.Errorf("portal check %s: %w", url, err)
	}
	status.StatusCode = code
	status.Reachable = code < http.StatusBadRequest
	return status, nil
}

func probe(ctx context.Context, client *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
