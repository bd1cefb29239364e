// Package research gathers external information about a client: web search, page reading,
// contact enrichment, contact extraction and report summarization.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseBytes = 2 * 1024 * 1024

// StatusError is a non-success HTTP answer from a provider.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP status %d", e.URL, e.StatusCode)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doJSON sends a request built by build and decodes a JSON answer into out, retrying
// transport errors, 429 and 5xx for up to maxElapsed.
func doJSON(ctx context.Context, client *http.Client, maxElapsed time.Duration, build func(context.Context) (*http.Request, error), out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			se := &StatusError{URL: req.URL.Scheme + "://" + req.URL.Host + req.URL.Path, StatusCode: resp.StatusCode}
			if retryable(resp.StatusCode) {
				return se
			}
			return backoff.Permanent(se)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
