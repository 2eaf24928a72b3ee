package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stellarlinkco/memoryd/internal/retry"
)

// OpenAIGenerator generates text through the official OpenAI SDK.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	retry       retry.Config
}

type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
}

func NewOpenAIGenerator(opts OpenAIOptions) *OpenAIGenerator {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return NewOpenAIGeneratorFromClient(&client, opts)
}

func NewOpenAIGeneratorFromClient(client *openai.Client, opts OpenAIOptions) *OpenAIGenerator {
	g := &OpenAIGenerator{
		client:      client,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		retry:       retry.DefaultConfig,
	}
	if g.model == "" {
		g.model = openai.ChatModelGPT4oMini
	}
	if opts.MaxRetries > 0 {
		g.retry.MaxAttempts = opts.MaxRetries
	}
	return g
}

func (g *OpenAIGenerator) Model() string { return g.model }

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:               g.model,
		Temperature:         openai.Float(pickTemperature(opts.Temperature, g.temperature)),
		MaxCompletionTokens: openai.Int(int64(pickMaxTokens(opts.MaxTokens, g.maxTokens))),
	}

	var content string
	err := retry.Do(ctx, g.retry, func() error {
		resp, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) && !retryable(apiErr.StatusCode) {
				return retry.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(fmt.Errorf("no choices returned"))
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return retry.Permanent(ErrEmptyResponse)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	return content, nil
}
