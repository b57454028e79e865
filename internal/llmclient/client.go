// Package llmclient is the shared Anthropic-backed completion client used
// by the council and verification engines.
//
// Grounded on the teacher's internal/compact/haiku.go: same
// anthropic.Client + option.WithAPIKey construction, same OTel
// metrics/tracing instrumentation via internal/telemetry, same
// isRetryable classification of context cancellation / net.Error
// timeouts / Anthropic API status codes. The hand-rolled
// `initialBackoff * math.Pow(2, attempt-1)` retry loop there is replaced
// with internal/errkind's shared github.com/cenkalti/backoff/v4 policy,
// so the daemon's retrying calls (the LLM calls made through this
// client) go through one retry implementation instead of duplicating it.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/hubd/hubd/internal/errkind"
	"github.com/hubd/hubd/internal/telemetry"
)

// ErrAPIKeyRequired is returned when no API key is available from either
// the explicit argument or ANTHROPIC_API_KEY.
var ErrAPIKeyRequired = errors.New("ANTHROPIC_API_KEY is required")

// Client wraps the Anthropic API for the council/verification engines'
// single-shot completions.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Client. apiKey is used only if ANTHROPIC_API_KEY is unset.
func New(apiKey, model string) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	metricsOnce.Do(initMetrics)
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

var metricsOnce sync.Once
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

func initMetrics() {
	m := telemetry.Meter("github.com/hubd/hubd/llm")
	aiMetrics.inputTokens, _ = m.Int64Counter("hubd.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"), metric.WithUnit("{token}"))
	aiMetrics.outputTokens, _ = m.Int64Counter("hubd.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"), metric.WithUnit("{token}"))
	aiMetrics.duration, _ = m.Float64Histogram("hubd.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"), metric.WithUnit("ms"))
}

// Complete issues a single-turn completion with the given system prompt
// and user content, retrying transient failures under the daemon's
// shared backoff policy.
func (c *Client) Complete(ctx context.Context, operation, systemPrompt, userPrompt string, maxTokens int64) (string, error) {
	tracer := telemetry.Tracer("github.com/hubd/hubd/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("hubd.ai.model", string(c.model)),
		attribute.String("hubd.ai.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var result string
	err := errkind.Retry(ctx, func(ctx context.Context) error {
		message, callErr := c.client.Messages.New(ctx, params)
		if callErr != nil {
			return classifyAnthropicError(callErr)
		}

		attr := attribute.String("hubd.ai.model", string(c.model))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(attr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(attr))
		}

		if len(message.Content) == 0 {
			return &errkind.Error{Kind: errkind.KindToolError, Message: "empty response", Retryable: false}
		}
		block := message.Content[0]
		if block.Type != "text" {
			return &errkind.Error{Kind: errkind.KindToolError, Message: fmt.Sprintf("unexpected block type %s", block.Type), Retryable: false}
		}
		result = block.Text
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return result, nil
}

// classifyAnthropicError maps an Anthropic SDK error into the daemon's
// error taxonomy, following internal/compact/haiku.go's isRetryable.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return errkind.FromHTTPStatus(apiErr.StatusCode, 0, apiErr.Error(), err)
	}
	return errkind.Classify(err)
}
