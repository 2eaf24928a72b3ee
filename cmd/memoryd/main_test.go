package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/memoryd/internal/config"
	"github.com/stellarlinkco/memoryd/internal/llm"
	"github.com/stellarlinkco/memoryd/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extractionReply = `{
  "summary": "Bob mentioned a job interview on Friday.",
  "topicSummary": "interview",
  "keyTopics": ["interview"],
  "facts": ["Bob has an interview on Friday"],
  "pendingTopics": [{"topic": "job interview", "context": "Friday", "suggestedFollowUp": "How did the interview go?", "urgency": "high"}],
  "tags": ["work"]
}`

const profilesYAML = `ownerId: alice
name: Alice
coreLayer:
  personalityTraits: [warm]
  communicationStyle: gentle
---
ownerId: bob
name: Bob
coreLayer:
  personalityTraits: [dry humour]
`

// setupHome points the config at a temp dir with an offline embedder and
// a canned generator.
func setupHome(t *testing.T, gen llm.Generator) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MEMORYD_HOME", home)
	for _, key := range []string{"MEMORYD_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "MEMORYD_PROVIDER", "MEMORYD_DATA_DIR"} {
		t.Setenv(key, "")
	}
	t.Setenv("MEMORYD_SESSION_TIMEOUT", "1ns")

	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimension = 32
	require.NoError(t, config.SaveConfig(cfg))

	prev := newGenerator
	newGenerator = func(*config.Config) (llm.Generator, error) { return gen, nil }
	t.Cleanup(func() { newGenerator = prev })
	return home
}

func cannedGenerator(reply string) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, string, llm.Options) (string, error) { return reply, nil })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestOnboard(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MEMORYD_HOME", home)
	t.Setenv("MEMORYD_DATA_DIR", "")

	out, err := execute(t, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config")
	assert.FileExists(t, filepath.Join(home, "config.json"))
	assert.DirExists(t, filepath.Join(home, "memories"))
	assert.DirExists(t, filepath.Join(home, "sessions"))

	out, err = execute(t, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Config already exists")
}

func TestConversationLifecycle(t *testing.T) {
	home := setupHome(t, cannedGenerator(extractionReply))

	profilePath := filepath.Join(home, "profiles.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(profilesYAML), 0644))
	out, err := execute(t, "import-profile", profilePath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported profile: alice (Alice)")
	assert.Contains(t, out, "Imported profile: bob (Bob)")

	_, err = execute(t, "append", "alice", "bob", "--from-partner=true", "I have a job interview on Friday")
	require.NoError(t, err)
	_, err = execute(t, "append", "alice", "bob", "--from-partner=false", "Good luck, tell me how it goes")
	require.NoError(t, err)
	out, err = execute(t, "append", "alice", "bob", "--from-partner=true", "Thanks, I will")
	require.NoError(t, err)
	assert.Contains(t, out, "3 messages")

	out, err = execute(t, "sweep-sessions")
	require.NoError(t, err)
	var sweep scheduler.TimeoutReport
	require.NoError(t, json.Unmarshal([]byte(out), &sweep))
	assert.Equal(t, 1, sweep.TimedOut)
	assert.Equal(t, 1, sweep.Processed)

	out, err = execute(t, "topics", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "[high] job interview (with bob")
	assert.Contains(t, out, "follow up: How did the interview go?")

	out, err = execute(t, "stats", "alice")
	require.NoError(t, err)
	var stats struct {
		Memories struct {
			TotalMemories int `json:"totalMemories"`
		} `json:"memories"`
		PendingTopics struct {
			Total int `json:"total"`
		} `json:"pendingTopics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Memories.TotalMemories)
	assert.Equal(t, 1, stats.PendingTopics.Total)

	out, err = execute(t, "compress")
	require.NoError(t, err)
	var compress scheduler.CompressionReport
	require.NoError(t, json.Unmarshal([]byte(out), &compress))
	assert.Equal(t, 2, compress.Owners)
	assert.Equal(t, 2, compress.Scanned)
	assert.Equal(t, 0, compress.Compressed)

	out, err = execute(t, "mention", "alice", "bob", "--probability", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "job interview")

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Embedding: hash")
	assert.NotContains(t, out, "Last session sweep: never")
}

func TestCommandsRequiringGenerator(t *testing.T) {
	setupHome(t, nil)
	newGenerator = func(*config.Config) (llm.Generator, error) { return nil, assert.AnError }

	_, err := execute(t, "compress")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoProvider)

	_, err = execute(t, "reprocess", "alice")
	assert.ErrorIs(t, err, errNoProvider)

	out, err := execute(t, "sweep-sessions")
	require.NoError(t, err)
	assert.Contains(t, out, `"checked": 0`)
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-1234567890abcd", "sk-1...abcd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskKey(tt.key))
	}
	assert.Equal(t, "openai (default)", providerDisplay(""))
	assert.Equal(t, "never", formatRun(nil))
}
