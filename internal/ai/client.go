// Package ai talks to Claude for content suggestions and strategy cards.
// Every error it returns is classified with pkg/failure.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
	"github.com/signalpost/pkg/ratelimit"
)

const jsonOnlyInstruction = "\n\nIMPORTANT: Respond ONLY with valid JSON. No markdown, no explanation, just the JSON object."

// Client wraps the Anthropic SDK client
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	brandVoice  string
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a new Anthropic client. Redelivery handles retries, so
// the SDK's own retry loop is limited to one attempt.
func NewClient(cfg config.AnthropicConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	return &Client{
		client:      anthropic.NewClient(append(base, opts...)...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		brandVoice:  cfg.BrandVoice,
		rateLimiter: limiter,
		log:         log.WithComponent("ai"),
	}
}

// prompt is one single-turn request
type prompt struct {
	op       string
	system   string
	user     string
	jsonOnly bool
}

// Complete sends one system+user turn and returns the concatenated text
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return c.send(ctx, prompt{op: "complete", system: systemPrompt, user: userMessage})
}

// CompleteWithJSON is Complete with an instruction to answer in bare JSON
func (c *Client) CompleteWithJSON(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return c.send(ctx, prompt{op: "complete_json", system: systemPrompt, user: userMessage, jsonOnly: true})
}

func (c *Client) send(ctx context.Context, p prompt) (string, error) {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterAnthropic); err != nil {
		return "", classify(ctx, fmt.Errorf("rate limit error: %w", err))
	}

	system := p.system
	if p.jsonOnly {
		system += jsonOnlyInstruction
	}

	log := c.log.With().Str("op", p.op).Str("model", c.model).Logger()
	log.Debug().Int("max_tokens", c.maxTokens).Msg("Sending request to Claude")

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(c.temperature),
		System:      []anthropic.TextBlockParam{{Type: "text", Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.user)),
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Claude API error")
		return "", classify(ctx, fmt.Errorf("claude API error: %w", err))
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb := block.AsText(); tb.Text != "" {
			text.WriteString(tb.Text)
		}
	}

	log.Debug().
		Int64("input_tokens", message.Usage.InputTokens).
		Int64("output_tokens", message.Usage.OutputTokens).
		Str("stop_reason", string(message.StopReason)).
		Msg("Received Claude response")

	if text.Len() == 0 {
		return "", failure.Fatal("claude", fmt.Errorf("%s: response has no text", p.op))
	}
	return text.String(), nil
}

// classify maps an SDK error onto the failure taxonomy. An expired call
// context is reported as-is so callers see a timeout.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%v: %w", err, ctxErr)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return failure.FromHTTPStatus("claude", apiErr.StatusCode, err)
	}
	return failure.Transient("claude", err)
}
