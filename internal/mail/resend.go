// Package mail delivers outbound email through a provider API.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoRecipient is returned when a message has no address to deliver to.
var ErrNoRecipient = errors.New("no recipient")

// Message is one outbound email. At least one of HTML or Text must be set.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
	// InReplyTo and References thread a reply onto an earlier message.
	InReplyTo  string
	References []string
}

// Sender delivers a message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

const defaultResendURL = "https://api.resend.com"

// ResendOptions configures the Resend client.
type ResendOptions struct {
	BaseURL    string
	From       string
	ReplyTo    string
	Timeout    time.Duration
	MaxElapsed time.Duration
}

// ResendClient sends through the Resend HTTP API.
type ResendClient struct {
	apiKey     string
	opts       ResendOptions
	httpClient *http.Client
}

// NewResendClient returns nil when apiKey is empty so callers can fall back to simulation.
func NewResendClient(apiKey string, opts ResendOptions) *ResendClient {
	if apiKey == "" {
		return nil
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultResendURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 20 * time.Second
	}
	return &ResendClient{
		apiKey:     apiKey,
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

type resendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ProviderError is a non-success answer from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("resend API error: status %d: %s", e.StatusCode, e.Body)
}

func (c *ResendClient) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	if msg.HTML == "" && msg.Text == "" {
		return "", errors.New("message has neither html nor text content")
	}
	req := resendRequest{
		From:    firstNonEmpty(msg.From, c.opts.From),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: firstNonEmpty(msg.ReplyTo, c.opts.ReplyTo),
	}
	if msg.InReplyTo != "" {
		refs := append([]string(nil), msg.References...)
		if len(refs) == 0 {
			refs = []string{msg.InReplyTo}
		}
		req.Headers = map[string]string{
			"In-Reply-To": msg.InReplyTo,
			"References":  strings.Join(refs, " "),
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode email: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.opts.MaxElapsed

	var id string
	err = backoff.Retry(func() error {
		var sendErr error
		id, sendErr = c.post(ctx, body)
		var pe *ProviderError
		if errors.As(sendErr, &pe) && pe.StatusCode != http.StatusTooManyRequests && pe.StatusCode < 500 {
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *ResendClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode resend response: %w", err))
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("resend_%d", time.Now().UnixMilli())
	}
	return out.ID, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
