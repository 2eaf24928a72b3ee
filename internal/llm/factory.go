package llm

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/memoryd/internal/config"
)

// New builds the generator selected by the provider config.
func New(cfg config.ProviderConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider needs an api key or base url")
		}
		return NewOpenAIGenerator(OpenAIOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
		}), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider needs an api key")
		}
		return NewAnthropicGenerator(AnthropicOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
		}), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http provider needs a base url")
		}
		return NewChatClient(ChatOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}
