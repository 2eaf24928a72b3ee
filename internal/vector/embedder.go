package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/memoryd/internal/config"
	"github.com/stellarlinkco/memoryd/internal/retry"
)

const (
	ProviderAPI    = "api"
	ProviderOllama = "ollama"
	ProviderHash   = "hash"

	defaultOllamaBaseURL = "http://127.0.0.1:11434"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder returns the embedder selected by cfg.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderHash:
		return NewHashEmbedder(cfg.Dimension), nil
	case "", ProviderAPI, ProviderOllama:
		return NewHTTPEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	retry       retry.Config
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func NewHTTPEmbedder(cfg config.EmbeddingConfig) *HTTPEmbedder {
	e := &HTTPEmbedder{
		provider:    strings.ToLower(strings.TrimSpace(cfg.Provider)),
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		retry:       retry.DefaultConfig,
		httpClient:  &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond},
	}
	if e.provider == "" {
		e.provider = ProviderAPI
	}
	if cfg.TimeoutMs > 0 {
		e.httpClient.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if e.provider == ProviderOllama && e.baseURL == "" {
		e.baseURL = defaultOllamaBaseURL
	}
	return e
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if e.model == "" {
		return nil, fmt.Errorf("embed: missing embedding model")
	}
	if e.baseURL == "" {
		return nil, fmt.Errorf("embed: missing embedding base url")
	}
	if e.provider == ProviderAPI && e.apiKey == "" {
		return nil, fmt.Errorf("embed: missing embedding api key")
	}

	var vec []float32
	err := retry.Do(ctx, e.retry, func() error {
		var reqErr error
		vec, reqErr = e.request(ctx, trimmed)
		return reqErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}

func (e *HTTPEmbedder) request(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, retry.Permanent(httpErr)
		}
		return nil, httpErr
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	vec, err := e.validate(decoded.Data)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("validate response: %w", err))
	}
	return vec, nil
}

func (e *HTTPEmbedder) validate(data []embeddingData) ([]float32, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("response count mismatch: got %d want 1", len(data))
	}
	if len(data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding vector")
	}
	if e.expectedDim > 0 && len(data[0].Embedding) != e.expectedDim {
		return nil, fmt.Errorf("embedding dimension: got %d want %d", len(data[0].Embedding), e.expectedDim)
	}
	out := make([]float32, len(data[0].Embedding))
	copy(out, data[0].Embedding)
	return out, nil
}
