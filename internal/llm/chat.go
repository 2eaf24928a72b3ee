package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/memoryd/internal/retry"
)

// ChatClient speaks the OpenAI-compatible /chat/completions protocol over
// plain HTTP, for local or self-hosted servers the SDKs do not cover.
type ChatClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	retry       retry.Config
	httpClient  *http.Client
}

type ChatOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	HTTPClient  *http.Client
}

func NewChatClient(opts ChatOptions) *ChatClient {
	c := &ChatClient{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		retry:       retry.DefaultConfig,
		httpClient:  opts.HTTPClient,
	}
	if opts.MaxRetries > 0 {
		c.retry.MaxAttempts = opts.MaxRetries
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return c
}

func (c *ChatClient) Model() string { return c.model }

func (c *ChatClient) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("missing chat base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing chat model")
	}

	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  pickMaxTokens(opts.MaxTokens, c.maxTokens),
		"temperature": pickTemperature(opts.Temperature, c.temperature),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var content string
	err = retry.Do(ctx, c.retry, func() error {
		var sendErr error
		content, sendErr = c.send(ctx, payload)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return content, nil
}

func (c *ChatClient) send(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := fmt.Errorf("chat http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if !retryable(resp.StatusCode) {
			return "", retry.Permanent(httpErr)
		}
		return "", httpErr
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return "", retry.Permanent(fmt.Errorf("empty choices in response"))
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", retry.Permanent(ErrEmptyResponse)
	}
	return content, nil
}
