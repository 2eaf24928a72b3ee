// Package llm talks to text-generation services and turns their loosely
// formatted replies into typed values.
package llm

import (
	"context"
	"errors"
	"time"
)

// Options tune a single generation call. Zero values fall back to the
// generator's configured defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	Model() string
}

var (
	ErrNoStructuredOutput = errors.New("no structured object in model output")
	ErrEmptyResponse      = errors.New("empty response from model")
)

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

func (f GeneratorFunc) Model() string { return "func" }

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func pickTemperature(opt, fallback float64) float64 {
	if opt > 0 {
		return opt
	}
	return fallback
}

func pickMaxTokens(opt, fallback int) int {
	if opt > 0 {
		return opt
	}
	if fallback > 0 {
		return fallback
	}
	return 2000
}

func retryable(status int) bool {
	return status == 429 || status >= 500
}
