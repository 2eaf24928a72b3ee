package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stellarlinkco/memoryd/internal/retry"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicGenerator generates text through the Anthropic Messages API.
type AnthropicGenerator struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	retry       retry.Config
}

type AnthropicOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
}

func NewAnthropicGenerator(opts AnthropicOptions) *AnthropicGenerator {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)
	return NewAnthropicGeneratorFromClient(&client, opts)
}

func NewAnthropicGeneratorFromClient(client *anthropic.Client, opts AnthropicOptions) *AnthropicGenerator {
	g := &AnthropicGenerator{
		client:      client,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		retry:       retry.DefaultConfig,
	}
	if g.model == "" {
		g.model = defaultAnthropicModel
	}
	if opts.MaxRetries > 0 {
		g.retry.MaxAttempts = opts.MaxRetries
	}
	return g
}

func (g *AnthropicGenerator) Model() string { return g.model }

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(pickMaxTokens(opts.MaxTokens, g.maxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(pickTemperature(opts.Temperature, g.temperature)),
	}

	var content string
	err := retry.Do(ctx, g.retry, func() error {
		resp, err := g.client.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) && !retryable(apiErr.StatusCode) {
				return retry.Permanent(err)
			}
			return err
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.AsText().Text)
			}
		}
		content = strings.TrimSpace(sb.String())
		if content == "" {
			return retry.Permanent(ErrEmptyResponse)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	return content, nil
}
