// Package llm wraps the language-model provider used for planning, summarization and replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cardflow/internal/telemetry"
)

// ErrAPIKeyRequired is returned when no provider key is configured.
var ErrAPIKeyRequired = errors.New("API key required")

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

// Client is an abstraction over LLM providers.
type Client interface {
	// GenerateText returns the model's text answer to prompt.
	GenerateText(ctx context.Context, system, prompt string) (string, error)
	// GenerateJSON returns the model's answer with markdown code fences removed.
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
}

// Options tunes the Anthropic client.
type Options struct {
	Model     string
	MaxTokens int64
	// MaxElapsed bounds the total retry time for transient failures.
	MaxElapsed time.Duration
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	BaseURL         string
}

// AnthropicClient implements Client for Claude models.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
	opts   Options
}

// NewAnthropicClient builds a client. An empty key returns ErrAPIKeyRequired.
func NewAnthropicClient(apiKey string, opts Options) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are driven by backoff below
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		model:  anthropic.Model(opts.Model),
		opts:   opts,
	}, nil
}

// GenerateText sends one user message and returns the first text block.
func (c *AnthropicClient) GenerateText(ctx context.Context, system, prompt string) (string, error) {
	return c.callWithRetry(ctx, "text", system, prompt)
}

// GenerateJSON is GenerateText with code fences stripped from the answer.
func (c *AnthropicClient) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	text, err := c.callWithRetry(ctx, "json", system, prompt)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (c *AnthropicClient) callWithRetry(ctx context.Context, operation, system, prompt string) (string, error) {
	ctx, span := telemetry.Tracer("cardflow/llm").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("cardflow.ai.model", string(c.model)),
		attribute.String("cardflow.ai.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.MaxElapsedTime = c.opts.MaxElapsed

	attempts := 0
	var text string
	err := backoff.Retry(func() error {
		attempts++
		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
		span.SetAttributes(
			attribute.Int64("cardflow.ai.input_tokens", message.Usage.InputTokens),
			attribute.Int64("cardflow.ai.output_tokens", message.Usage.OutputTokens),
		)
		if len(message.Content) == 0 {
			return backoff.Permanent(errors.New("unexpected response format: no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
		}
		text = content.Text
		return nil
	}, backoff.WithContext(bo, ctx))
	span.SetAttributes(attribute.Int("cardflow.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("llm %s call: %w", operation, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// CleanJSONBlock removes markdown code block wrappers from JSON.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
