package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/memoryd/internal/llm"
)

type mockGenerator struct {
	mu         sync.Mutex
	generateFn func(prompt string, opts llm.Options) (string, error)
	prompts    []string
	opts       []llm.Options
}

func (m *mockGenerator) Generate(_ context.Context, prompt string, opts llm.Options) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.opts = append(m.opts, opts)
	m.mu.Unlock()
	if m.generateFn != nil {
		return m.generateFn(prompt, opts)
	}
	return "", errors.New("no response configured")
}

func (m *mockGenerator) Model() string { return "mock-model" }

func (m *mockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func reply(s string) *mockGenerator {
	return &mockGenerator{generateFn: func(string, llm.Options) (string, error) { return s, nil }}
}

func failing(err error) *mockGenerator {
	return &mockGenerator{generateFn: func(string, llm.Options) (string, error) { return "", err }}
}

func conversation(n int) []Message {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			Role:      "user",
			Content:   fmt.Sprintf("message number %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			IsOwner:   i%2 == 0,
		}
		if !msgs[i].IsOwner {
			msgs[i].Role = "assistant"
		}
	}
	return msgs
}

func testProfile() *Profile {
	return &Profile{
		OwnerID: "alice",
		Name:    "Alice",
		CoreLayer: CoreLayer{
			PersonalityTraits:  []string{"warm", "curious"},
			CommunicationStyle: "gentle",
			Values:             []string{"family"},
		},
	}
}

func longText(n int) string {
	return strings.Repeat("a memory worth keeping. ", n)
}
